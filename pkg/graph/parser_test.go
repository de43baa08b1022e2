// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"testing"
)

func specTexts(imports []rawImport) []string {
	out := make([]string, len(imports))
	for i, ri := range imports {
		out[i] = ri.text
	}
	return out
}

func TestScanImports(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{
			name: "default import",
			code: `import foo from "./foo.ts";`,
			want: []string{"./foo.ts"},
		},
		{
			name: "named imports",
			code: `import { a, b as c } from './lib.ts'`,
			want: []string{"./lib.ts"},
		},
		{
			name: "namespace import",
			code: `import * as path from "node:path";`,
			want: []string{"node:path"},
		},
		{
			name: "side effect import",
			code: `import "./polyfill.ts";`,
			want: []string{"./polyfill.ts"},
		},
		{
			name: "re-export",
			code: `export { x } from "./x.ts";
export * from "./y.ts";`,
			want: []string{"./x.ts", "./y.ts"},
		},
		{
			name: "local export has no specifier",
			code: `export const a = 1;
export default function () {}
export { b };`,
			want: nil,
		},
		{
			name: "multiple statements",
			code: `import a from "./a.ts";
import { b } from "./b.ts";
const x = 1;
export * from "./c.ts";`,
			want: []string{"./a.ts", "./b.ts", "./c.ts"},
		},
		{
			name: "multiline named imports",
			code: "import {\n  one,\n  two,\n} from \"./multi.ts\";",
			want: []string{"./multi.ts"},
		},
		{
			name: "line comment ignored",
			code: `// import fake from "./fake.ts"
import real from "./real.ts";`,
			want: []string{"./real.ts"},
		},
		{
			name: "block comment ignored",
			code: `/* import a from "./a.ts" */ import b from "./b.ts";`,
			want: []string{"./b.ts"},
		},
		{
			name: "string literal ignored",
			code: `const s = 'import x from "./x.ts"';
import y from "./y.ts";`,
			want: []string{"./y.ts"},
		},
		{
			name: "template literal ignored",
			code: "const s = `import x from \"./x.ts\"`;\nimport y from \"./y.ts\";",
			want: []string{"./y.ts"},
		},
		{
			name: "identifier containing keyword",
			code: `const reimport = 1; obj.import("./no.ts"); import z from "./z.ts";`,
			want: []string{"./z.ts"},
		},
		{
			name: "binding name ending in from",
			code: `import x_from from "./a.ts";`,
			want: []string{"./a.ts"},
		},
		{
			name: "export binding ending in from",
			code: `export { my_from } from "./b.ts";`,
			want: []string{"./b.ts"},
		},
		{
			name: "import meta",
			code: `const u = import.meta.url;
import real from "./real.ts";`,
			want: []string{"./real.ts"},
		},
		{
			name: "computed dynamic import skipped",
			code: "const m = await import(`./pages/${name}.ts`);",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := specTexts(scanImports([]byte(tt.code)))
			if len(got) != len(tt.want) {
				t.Fatalf("scanImports = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("import[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestScanImportsDynamic(t *testing.T) {
	code := `import a from "./static.ts";
const b = await import("./dynamic.ts");`
	imports := scanImports([]byte(code))
	if len(imports) != 2 {
		t.Fatalf("got %d imports, want 2", len(imports))
	}
	if imports[0].text != "./static.ts" || imports[0].dynamic {
		t.Errorf("first = %+v, want static ./static.ts", imports[0])
	}
	if imports[1].text != "./dynamic.ts" || !imports[1].dynamic {
		t.Errorf("second = %+v, want dynamic ./dynamic.ts", imports[1])
	}
}

func TestScanImportsPositions(t *testing.T) {
	code := "const x = 1;\nimport a from \"./a.ts\";\n"
	imports := scanImports([]byte(code))
	if len(imports) != 1 {
		t.Fatalf("got %d imports, want 1", len(imports))
	}
	line, col := lineCol([]byte(code), imports[0].offset)
	if line != 2 {
		t.Errorf("line = %d, want 2", line)
	}
	if col <= 1 {
		t.Errorf("col = %d, want > 1", col)
	}
}
