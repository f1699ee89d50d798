package sandbox

import "testing"

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    bool
	}{
		{"simple npm", "npm install", true},
		{"npm run build", "npm run build", true},
		{"git status", "git status", true},
		{"chained allowed", "npm install && npm run build", true},
		{"semicolon chain", "git add .; git commit -m x", true},
		{"cd into subdir then build", "cd ./sub && npm run build", true},
		{"cd dot", "cd . && npm test", true},
		{"quoted cd target", `cd "src/app" && npm run dev`, true},
		{"windows suffix stripped", "npm.cmd install", true},
		{"uppercase executable", "NPM install", true},

		{"empty", "", false},
		{"disallowed executable", "curl https://example.com", false},
		{"rm", "rm -rf /", false},
		{"disallowed in chain", "git status && curl example.com", false},
		{"cd traversal", "git status && cd ../../etc", false},
		{"cd absolute", "cd /etc && ls", false},
		{"cd drive rooted", `cd C:\Windows && ls`, false},
		{"cd missing target", "cd && npm install", false},
		{"cd hidden traversal", "cd sub/../../outside", false},
		{"shell through allowed prefix", "bash -c 'rm -rf /'", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAllowed(tt.command); got != tt.want {
				t.Fatalf("IsAllowed(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestAttemptsEscape(t *testing.T) {
	root := "/work/project"

	tests := []struct {
		name    string
		command string
		want    bool
	}{
		{"no cd", "npm install", false},
		{"cd subdir", "cd src && npm run build", false},
		{"cd dot", "cd .", false},
		{"cd nested", "cd src/app/components", false},
		{"cd then relative up within root", "cd src/app && cd ..", false},

		{"cd root of fs", "cd /", true},
		{"cd absolute outside", "cd /etc", true},
		{"cd parent", "cd ..", true},
		{"cd traversal through subdir", "cd src/../../..", true},
		{"bare cd", "cd", true},
		{"chained escape after safe cd", "cd src && cd ../..", true},
		{"quoted absolute", `cd "/etc"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AttemptsEscape(tt.command, root); got != tt.want {
				t.Fatalf("AttemptsEscape(%q, %q) = %v, want %v", tt.command, root, got, tt.want)
			}
		})
	}
}

func TestAttemptsEscapeAnyRoot(t *testing.T) {
	// "cd /" counts as an escape for every root, including "/" itself.
	for _, root := range []string{"/", "/a", "/deeply/nested/root"} {
		if !AttemptsEscape("cd /", root) {
			t.Fatalf("AttemptsEscape(\"cd /\", %q) = false, want true", root)
		}
	}
}

func TestIsKillAllCommand(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"killall node", true},
		{"pkill -f node", true},
		{"taskkill /IM node.exe /F", true},
		{"kill -9 -1", true},
		{"npm run kill-port", false},
		{"echo killallnode", false},
		{"npm install", false},
	}

	for _, tt := range tests {
		if got := IsKillAllCommand(tt.command); got != tt.want {
			t.Fatalf("IsKillAllCommand(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}
