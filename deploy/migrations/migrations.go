// Package migrations 内嵌 MySQL 建表脚本。各存储实现启动时也会
// CREATE TABLE IF NOT EXISTS，这里的脚本供独立运维时使用。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
