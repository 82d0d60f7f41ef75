// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、工作流编排、
Agent 调用、预算、缓存与数据库。

# 概述

Collector 通过 promauto 注册指标，所有指标按 namespace 隔离。
NewCollector 注册到默认 Registry；NewCollectorWith 可传入自定义 Registerer，
便于测试隔离。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx
  - 编排指标：提交数、advance 结果、层级步骤、质量门结果、升级次数、租约冲突
  - Agent 指标：调用次数与耗时、Token 用量、成本
  - 预算指标：拒绝次数（按超限维度）
  - 缓存与数据库指标：命中/未命中、连接池 Gauge、查询耗时
*/
package metrics
