// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 负责 ordo 的 OpenTelemetry SDK 初始化。
// 遥测关闭时保持全局 noop 实现，不连接任何外部服务；
// 开启时通过 OTLP gRPC 导出编排器的 trace 与 metric。
package telemetry
