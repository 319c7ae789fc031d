// Package migrations 内嵌 AgentVault 的 MySQL 结构迁移文件。
// 文件名以版本号开头（如 0001_ledger.sql），按字典序依次应用。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
