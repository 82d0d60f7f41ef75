// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 ordo HTTP API 的请求处理器实现。

# 概述

handlers 包是编排引擎面向协作者的薄层：把 HTTP 请求翻译成
Orchestrator 的命令与查询，并把 types.Error 翻译成状态码。
所有 Handler 均遵循标准 net/http 接口，路由使用 Go 1.22 的
"METHOD /path/{id}" 模式注册到 http.ServeMux。

# 核心类型

  - WorkflowHandler: submit/advance/resume/cancel/approve/reject 与只读查询
  - StreamHandler: 审计事件 websocket 实时流，支持 ?after=<sequence> 回放
  - HealthHandler: /health、/healthz、/ready、/version
  - Response: 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码与字节数

# 错误映射

NOT_FOUND → 404，INVALID_TRANSITION / WORKFLOW_LEASED → 409，
INVALID_REQUEST → 400，UNAUTHORIZED → 401，FORBIDDEN → 403，
BUDGET_EXCEEDED → 402，其余 → 500。非结构化错误统一返回
INTERNAL_ERROR，不向客户端暴露内部细节。

# 人工操作

cancel、approve、reject 的操作者取自认证中间件写入 context 的用户。
配置 WithActionRoles 后，调用者必须持有其中一个角色。
*/
package handlers
