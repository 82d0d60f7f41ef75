// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供编排引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 persistence、checkpoint、
budget、gate、audit、orchestrator 等上层模块提供统一的类型契约。

# 核心类型

  - Workflow / WorkflowMetadata: 工作流记录与类型化元数据
  - Tier / WorkflowStatus: 六个层级（tier_0 偏差处理 + tier_1..tier_5）与生命周期状态
  - Checkpoint / WorkflowState: 可恢复的版本化快照
  - AuditEvent: 只追加的审计事件
  - BudgetEntry / Usage: 每次 Agent 调用的实际消耗
  - GateResult: 质量门评估历史
  - Artifact: Agent 产出文件的元数据
  - MicroUSD: 百万分之一美元定点金额
  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithRoles / WithWorkflowID
  - 错误工具链：AsError / IsErrorCode / IsNotFound / IsRetryable / HTTPStatusFor
*/
package types
