// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 ordo 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（ORDO_ 前缀）→ 验证器 的顺序加载。
// 各组件的配置结构（orchestrator、budget、checkpoint、cache）直接嵌入，
// 因此默认值与校验规则只在组件包内定义一次。
package config
