package mysql

import "testing"

func TestSplitStatements(t *testing.T) {
	content := `CREATE TABLE a (id INT);

CREATE INDEX idx_a ON a (id);
`
	statements := splitStatements(content)
	if len(statements) != 2 {
		t.Fatalf("期望拆分出 2 条语句，实际 %d 条", len(statements))
	}
	if statements[0] != "CREATE TABLE a (id INT)" {
		t.Fatalf("第一条语句不符: %q", statements[0])
	}
}

func TestVersionOf(t *testing.T) {
	cases := map[string]string{
		"0001_ledger.sql":    "0001",
		"0002_approvals.sql": "0002",
		"0099.sql":           "0099",
		"plain":              "plain",
	}
	for name, want := range cases {
		if got := versionOf(name); got != want {
			t.Fatalf("versionOf(%q) = %q，期望 %q", name, got, want)
		}
	}
}

func TestLoadMigrationFilesOrdered(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("加载迁移文件失败: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("期望至少 3 个迁移文件，实际 %d 个", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].version >= files[i].version {
			t.Fatalf("迁移顺序错误: %s 在 %s 之前", files[i-1].name, files[i].name)
		}
	}
	for _, file := range files {
		if len(file.statements) == 0 {
			t.Fatalf("迁移 %s 为空", file.name)
		}
	}
}
