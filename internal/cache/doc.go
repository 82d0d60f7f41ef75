// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存与分布式锁原语。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期（初始化、健康检查、优雅关闭），
为上层提供统一的读写接口。工作流摘要缓存、Redis 租约与 Redis 预算账本都构建在它之上。

# 核心能力

  - 键值读写：Get/Set/Delete/Exists/Expire，以及 GetJSON/SetJSON
  - 哈希操作：HSet/HDel/HGetAll，用于预算预留账本
  - 分布式锁：TryLock（SET NX PX）、Unlock 与 ExtendLock（Lua 比较令牌后删除/续期）
  - 健康检查：后台定时 Ping，Close 时退出
  - 错误语义：ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数
*/
package cache
