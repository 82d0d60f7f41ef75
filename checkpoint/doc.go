// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint 提供工作流检查点的保存、恢复与保留策略。

每个检查点携带完整的 WorkflowState 与版本号，版本在同一事务内按
latest+1 分配并链接 ParentID，保证同一工作流的检查点全序且最新者
即为恢复点。保存要么完整成功，要么不留痕迹。

Prune 依据保留期限删除非活动（非 running / paused）工作流的旧检查点；
MaxPerWorkflow 在每次保存后裁剪最旧的版本。Run 以固定间隔执行保留任务。
*/
package checkpoint
