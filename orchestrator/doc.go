// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 orchestrator 实现六层工作流状态机。

# 概述

Orchestrator 将一个工作流从 pending 推进到 tier_1..tier_5，
在重复失败或人工驳回时路由到 tier_0（偏差处理层），
最终进入 completed、failed 或 cancelled。

每次 Advance 执行一个步骤：

 1. 获取工作流租约（被占用时立即返回 WORKFLOW_LEASED）
 2. 预算授权，失败则以 budget_exceeded 终止
 3. 调用该层的 Agent（可重试，指数退避）
 4. 在同一事务内写入预算条目、产物元数据、质量门结果、
    工作流状态、检查点与审计事件
 5. 提交后释放预算预留并推送审计事件

# 人工审批

配置为审批层的步骤在提交后进入 paused。Approve 恢复运行，
下一次 Advance 对已存储的输出执行质量门而不重新调用 Agent；
Reject 路由到 tier_0。ExpireApprovals 处理超时的审批。

# 恢复

Resume 从最新检查点还原工作流记录，从不写入新的检查点，
重复调用得到相同状态。Runner 在启动时恢复所有未终结的工作流，
随后在有界的 goroutine 池上轮询推进。
*/
package orchestrator
