package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"
)

// parseCall extracts the single top-level call expression in the body of
// the first function declared in src.
func parseCall(t *testing.T, src string) *ast.CallExpr {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", "package p\nfunc f() {\n"+src+"\n}", 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fn := file.Decls[0].(*ast.FuncDecl)
	stmt := fn.Body.List[0].(*ast.ExprStmt)
	return stmt.X.(*ast.CallExpr)
}

func TestRegisterSyscallNameRecognizesRegisterCall(t *testing.T) {
	call := parseCall(t, `d.Register(defs.SYS_OPEN, sysOpen)`)
	name, ok := registerSyscallName(call)
	if !ok || name != "OPEN" {
		t.Fatalf("got (%q, %v), want (\"OPEN\", true)", name, ok)
	}
}

func TestRegisterSyscallNameIgnoresOtherCalls(t *testing.T) {
	call := parseCall(t, `d.installDefaults()`)
	if _, ok := registerSyscallName(call); ok {
		t.Fatalf("installDefaults() should not be recognized as a registration")
	}
}

func TestRegisterSyscallNameIgnoresNonDefsFirstArg(t *testing.T) {
	call := parseCall(t, `d.Register(other.SYS_OPEN, sysOpen)`)
	if _, ok := registerSyscallName(call); ok {
		t.Fatalf("a non-defs selector should not be recognized")
	}
}

func TestRequiredSetMatchesCoreSyscallList(t *testing.T) {
	want := []string{
		"OPEN", "CLOSE", "READ", "WRITE", "SEEK", "STAT", "GETDENTS", "IOCTL",
		"FORK", "EXECVE", "EXIT", "WAITPID", "CHDIR", "GETCWD", "PIPE", "SBRK",
		"GETPID", "KILL", "ACCESS", "CHMOD",
	}
	if len(required) != len(want) {
		t.Fatalf("required has %d entries, want %d", len(required), len(want))
	}
	for i, name := range want {
		if required[i] != name {
			t.Fatalf("required[%d] = %q, want %q", i, required[i], name)
		}
	}
}
