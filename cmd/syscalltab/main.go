// Command syscalltab statically verifies that internal/syscall's dispatch
// table registers every call in the core syscall set spec.md §4.12 names,
// without executing any kernel code: it loads internal/syscall's AST and
// inspects every file of the package for d.Register(defs.SYS_*, ...) calls.
//
// This replaces the teacher's SYSCALL_HANDLER(name) macro-expansion
// approach (which the Go compiler itself would have caught a missing
// entry for, being a textual macro list) with a build-time check over the
// registry pattern that took its place (Design Note, spec.md §4.12): a
// map literal doesn't fail to compile just because an entry is missing,
// so completeness needs its own tool.
package main

import (
	"fmt"
	"go/ast"
	"os"

	"golang.org/x/tools/go/packages"
)

// required is the exact core syscall set from spec.md §4.12, named by the
// defs.SYS_* suffix installDefaults registers them under.
var required = []string{
	"OPEN", "CLOSE", "READ", "WRITE", "SEEK", "STAT", "GETDENTS", "IOCTL",
	"FORK", "EXECVE", "EXIT", "WAITPID", "CHDIR", "GETCWD", "PIPE", "SBRK",
	"GETPID", "KILL", "ACCESS", "CHMOD",
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syscalltab: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &packages.Config{Mode: packages.NeedSyntax | packages.NeedTypes | packages.NeedTypesInfo}
	pkgs, err := packages.Load(cfg, "nucleus/internal/syscall")
	if err != nil {
		return fmt.Errorf("load internal/syscall: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("internal/syscall has build errors")
	}

	registered := map[string]bool{}
	for _, pkg := range pkgs {
		for _, file := range pkg.Syntax {
			ast.Inspect(file, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				name, ok := registerSyscallName(call)
				if ok {
					registered[name] = true
				}
				return true
			})
		}
	}

	var missing []string
	for _, name := range required {
		if !registered[name] {
			missing = append(missing, "SYS_"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing dispatch registration for: %v", missing)
	}

	fmt.Printf("syscalltab: all %d core syscalls registered\n", len(required))
	return nil
}

// registerSyscallName recognizes a d.Register(defs.SYS_NAME, handler) call
// and returns NAME.
func registerSyscallName(call *ast.CallExpr) (string, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Register" {
		return "", false
	}
	if len(call.Args) != 2 {
		return "", false
	}
	arg, ok := call.Args[0].(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	pkgIdent, ok := arg.X.(*ast.Ident)
	if !ok || pkgIdent.Name != "defs" {
		return "", false
	}
	const prefix = "SYS_"
	if len(arg.Sel.Name) <= len(prefix) || arg.Sel.Name[:len(prefix)] != prefix {
		return "", false
	}
	return arg.Sel.Name[len(prefix):], true
}
