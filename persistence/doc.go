// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 提供编排引擎的状态存储（State Store）。

# 概述

六个逻辑集合：workflows、checkpoints、audit_events、budget_tracking、
quality_gates、artifacts。所有子集合通过 workflow_id 引用所属工作流，
删除工作流时级联删除。

# 核心类型

  - Store：统一存储接口，WithTx 保证一次步骤的所有写入全部成功或全部回滚
  - MemoryStore：内存实现，写时复制快照实现事务语义，适用于开发与测试
  - GormStore：基于 GORM 的关系型实现（PostgreSQL / MySQL / SQLite），
    通过 database.PoolManager 执行带重试的事务，行级锁复查工作流状态

# 错误

ErrNotFound、ErrAlreadyExists、ErrConflict、ErrStoreClosed、ErrInvalidInput
为包级哨兵错误，由上层映射为 types.Error。
*/
package persistence
