// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 管理 ordo 持久化层的 GORM 连接池。

Open 按驱动名（postgres / mysql / sqlite）选择方言并创建 PoolManager；
PoolManager 负责连接池参数、后台健康检查与带重试的事务执行。
persistence.GormStore 的每个原子写入都经由 WithTransactionRetry，
死锁、序列化失败与 SQLite 写锁竞争会以指数退避重新执行整个事务。
*/
package database
