// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 ordo 的 HTTP 监听生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，Run 在 context
取消或服务异常退出时执行优雅关闭。API 与 metrics 端口各用一个
Manager，由 serve 子命令通过 errgroup 统一等待。
*/
package server
