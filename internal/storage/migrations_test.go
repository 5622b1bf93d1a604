package storage

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/ratelock?sslmode=disable": "pgx5://u:p@db:5432/ratelock?sslmode=disable",
		"postgresql://u:p@db:5432/ratelock":               "pgx5://u:p@db:5432/ratelock",
		"pgx5://u:p@db:5432/ratelock":                     "pgx5://u:p@db:5432/ratelock",
	}
	for in, want := range cases {
		got, err := migrationURL(in)
		if err != nil {
			t.Fatalf("%s 转换失败: %v", in, err)
		}
		if got != want {
			t.Fatalf("%s 期望 %s, 实际 %s", in, want, got)
		}
	}

	if _, err := migrationURL("host=db user=u"); err == nil {
		t.Fatal("keyword 形式的 dsn 应报错")
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("读取内嵌迁移失败: %v", err)
	}
	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("up/down 迁移应成对出现: up=%d down=%d", ups, downs)
	}
}
