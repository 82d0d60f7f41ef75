// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 ordo 编排服务的程序入口。

# 概述

cmd/ordo 是 ordo 的可执行入口，提供 HTTP API 服务、数据库迁移、
检查点清理、健康检查和版本查询等子命令。程序从 YAML 文件与
ORDO_* 环境变量加载配置，使用 zap 输出结构化日志。

# 核心类型

  - Server: 组装存储、租约、预算、检查点、质量门、审计与编排器，
    管理 API 与 Metrics 双端口及后台 Runner
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate、prune、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter、Authenticate
  - 认证：JWT（HS256/RS256）或静态 API Key，健康检查路径免认证
  - 优雅关闭：信号触发后停止 Runner，再关闭 HTTP 与 Metrics 服务器
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
