// Package tlsutil 提供 ordo 出站连接使用的 TLS 与 HTTP transport 配置
// （TLS 1.2+，仅 AEAD 密码套件）。HTTP agent 客户端通过它访问各层 agent 端点。
package tlsutil
