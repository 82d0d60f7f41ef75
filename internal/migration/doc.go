// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理 ordo 的数据库 schema 版本，基于 golang-migrate。

各方言（postgres / mysql / sqlite）的 SQL 通过 embed.FS 内嵌在
migrations/<dialect>/ 下：000001 建立工作流、检查点、审计、预算、
质量门与产物六张表，000002 建立只读汇总视图 workflow_summary，
000003 把审计序号索引改为 (workflow_id, seq) 唯一索引。

DefaultMigrator 实现 Migrator 接口（Up/Down/DownAll/Steps/Goto/
Force/Version/Status/Info）；CLI 为 `ordo migrate` 子命令输出结果。
PostgreSQL 使用 pgx，SQLite 使用纯 Go 的 glebarez 驱动。
*/
package migration
