// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package gate 实现层级质量门（Quality Gate Evaluator）。

每个门由一组可插拔的 Criterion 组成，Evaluator 并行执行所有判据并汇总：
所有必选判据通过则 passed，任一必选判据失败则 failed，未配置判据则 skipped。
每次评估都会新建一条 GateResult（Attempt 递增），历史不会被覆盖。

判据集合按 "tier" 或 "type/tier" 键配置，后者优先，用于按工作流类型区分标准。
内置判据：min_score、no_blocking_issues、required_artifacts，以及任意函数判据 Func。
*/
package gate
