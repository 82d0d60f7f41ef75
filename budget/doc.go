// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package budget 提供工作流级别的 Token 与成本预算守卫（Budget Guard）。

# 概述

Authorize 在每次 Agent 调用前检查：已提交消耗（预算记录之和）+ 未释放预留
+ 本次预估 是否超出上限；允许时返回 Reservation。读取已提交消耗与登记预留
在同一把按工作流划分的锁内完成，Reservation 只能在对应的预算记录提交后释放，
因此并发授权不会造成超支。

Record 追加 BudgetEntry，是已提交消耗增长的唯一途径。

# 主要能力

  - 每工作流 Token / 成本上限，月度总成本上限
  - 按模型定价（每 1K Token 的输入、输出价格）推算预估成本
  - 阈值告警（默认 75%），通过 OnAlert 注册处理器
  - Summary：总量、按 Agent / 模型细分、剩余额度、使用率
  - TokenEstimator：tiktoken 精确计数，失败时退回字符启发式估算
*/
package budget
