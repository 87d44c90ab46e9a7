// Command depgraph prints a Graphviz DOT description of the dependency
// graph between this kernel's own packages (mem, vm, proc, sched, ...),
// the internal graph a misplaced import cycle would show up in.
package main

import (
	"fmt"
	"os"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/go/packages"
)

func main() {
	raw, err := os.ReadFile("go.mod")
	if err != nil {
		panic(err)
	}
	mf, err := modfile.Parse("go.mod", raw, nil)
	if err != nil {
		panic(err)
	}

	// Every replace directive names one of this kernel's own short-named
	// packages (mem, vm, defs, ...); anything not replaced is a real
	// external module and is left out of this internal-only graph.
	local := make(map[string]bool, len(mf.Replace))
	for _, r := range mf.Replace {
		local[r.Old.Path] = true
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, "./src/...")
	if err != nil {
		panic(err)
	}

	fmt.Println("digraph deps {")
	for _, pkg := range pkgs {
		for imp := range pkg.Imports {
			if !local[imp] {
				continue
			}
			fmt.Printf("    %q -> %q;\n", pkg.PkgPath, imp)
		}
	}
	fmt.Println("}")
}
