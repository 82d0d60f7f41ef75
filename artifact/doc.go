// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package artifact 是产物二进制内容的对象存储边界。
// 元数据（类型、路径、大小、校验和）由 persistence 保存，内容写入 ObjectStore，
// 键格式为 "<workflow_id>/<relative path>"。
package artifact
