// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package audit 提供只追加的审计日志（Audit Logger）。

# 概述

每种事件类型对应一个强类型 Payload，写入前经过 Validate 校验，
注册表（registry）保证事件数据的形状不会悄然漂移。核心层不提供
更新或删除操作，归档与清理由外部批处理完成。

Sequence 由存储在写入事务内分配：取该工作流已有事件的最大序号加一，
并由 (workflow_id, seq) 唯一索引兜底，因此多个进程共享一个存储、
即使时钟不一致，同一工作流的事件仍按提交次序全序。系统事件另行编号。绑定到事务的 Logger 会暂存已写入的事件，事务提交后
由调用方 Publish 到 Feed，供 WebSocket 等实时订阅者消费。
*/
package audit
