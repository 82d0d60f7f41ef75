// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package lease 提供按工作流划分的独占租约，保证同一工作流任意时刻
// 只有一个 advance 在执行。租约已被持有时 Acquire 立即返回 ErrHeld，不排队。
//
// 实现：
//   - Local：进程内 map，适合单实例部署与测试
//   - Redis：SET NX PX 加后台续期，释放时比较令牌
//   - Postgres：会话级 pg_try_advisory_lock，连接断开时数据库自动释放
package lease
