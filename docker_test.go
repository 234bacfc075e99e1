package entrykeep_test

import (
	"os"
	"strings"
	"testing"
)

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("%s should exist: %v", name, err)
	}
	return string(data)
}

func TestDockerfile(t *testing.T) {
	content := readFile(t, "Dockerfile")

	tests := []struct {
		name string
		want string
	}{
		{"go builder stage", "FROM golang:1.25"},
		{"binary built from cmd", "-o /out/entrykeep ./cmd/entrykeep"},
		{"static binary", "CGO_ENABLED=0"},
		{"entrypoint", `ENTRYPOINT ["/entrykeep"]`},
		// distrolessにはシェルがないため、ヘルスチェックはサブコマンドで行う
		{"healthcheck subcommand", `CMD ["/entrykeep", "healthcheck"]`},
		{"non-root", "USER nonroot"},
	}
	for _, tt := range tests {
		if !strings.Contains(content, tt.want) {
			t.Errorf("%s: Dockerfile should contain %q", tt.name, tt.want)
		}
	}

	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless/static") {
		t.Errorf("final stage should be distroless static, got: %s", lastFrom)
	}
}

// composeService はdocker-compose.ymlから1サービス分のブロックを切り出す。
func composeService(t *testing.T, content, name string) string {
	t.Helper()
	start := strings.Index(content, "\n  "+name+":\n")
	if start < 0 {
		t.Fatalf("docker-compose.yml should define service %q", name)
	}
	block := content[start+1:]
	// 次のサービスまたはトップレベルキーまで
	lines := strings.Split(block, "\n")
	end := len(lines)
	for i := 1; i < len(lines); i++ {
		l := lines[i]
		if l != "" && !strings.HasPrefix(l, "    ") {
			end = i
			break
		}
	}
	return strings.Join(lines[:end], "\n")
}

func TestDockerCompose_Services(t *testing.T) {
	content := readFile(t, "docker-compose.yml")

	tests := []struct {
		service string
		want    []string
		absent  []string
	}{
		{service: "db", want: []string{"image: postgres:"}},
		{service: "redis", want: []string{"image: redis:"}},
		{service: "migrate", want: []string{`command: ["migrate"]`}, absent: []string{"- external"}},
		// Appleの公開鍵取得が必要なapiだけが外部に出られる
		{service: "api", want: []string{`command: ["serve"]`, "REDIS_URL", "- external"}},
		{service: "worker", want: []string{`command: ["worker"]`}, absent: []string{"- external"}},
	}

	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			block := composeService(t, content, tt.service)
			for _, w := range tt.want {
				if !strings.Contains(block, w) {
					t.Errorf("service %s should contain %q", tt.service, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(block, a) {
					t.Errorf("service %s should not contain %q", tt.service, a)
				}
			}
		})
	}
}

func TestDockerCompose_InternalNetwork(t *testing.T) {
	content := readFile(t, "docker-compose.yml")
	if !strings.Contains(content, "internal: true") {
		t.Error("docker-compose.yml should define an internal network (internal: true)")
	}
}

func TestEnvExample_ListsRequiredVariables(t *testing.T) {
	content := readFile(t, ".env.example")
	for _, key := range []string{"DATABASE_URL=", "APPLE_AUDIENCES=", "TOKEN_PRIVATE_KEY"} {
		if !strings.Contains(content, key) {
			t.Errorf(".env.example should contain %s", key)
		}
	}
}
