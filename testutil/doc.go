// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 ordo 测试的共享工具和辅助函数。

# 概述

testutil 为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。本包不依赖任何业务包，可被所有测试引用。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 数据工具: MustJSON / MustParseJSON / Float
  - 脚本化 Agent: ScriptedAgent 按层级回放预设结果，可注入错误、
    延迟与阻塞，用于编排器测试
*/
package testutil
