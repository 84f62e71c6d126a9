// Command mcmetricsgen regenerates pkg/metrics/generated_descriptors.go
// from the struct tags on gaugeFields in pkg/metrics/fields.go, the same
// tag-walking approach the teacher's cmd/prom-metrics-gen uses against
// pkg/linux/tcpinfo.go to regenerate pkg/exporter.
package main

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"log"
	"os"
	"reflect"
	"strings"
	"text/template"
)

const (
	sourcePath = "pkg/metrics/fields.go"
	structName = "gaugeFields"
	outputPath = "pkg/metrics/generated_descriptors.go"
)

// gauge is one tagged field of gaugeFields, fed to template.tmpl.
type gauge struct {
	MethodName string
	Name       string
	Help       string
}

func main() {
	fset := token.NewFileSet()
	node, err := parser.ParseFile(fset, sourcePath, nil, parser.ParseComments)
	if err != nil {
		log.Fatal(err)
	}

	var gauges []gauge
	ast.Inspect(node, func(n ast.Node) bool {
		ts, ok := n.(*ast.TypeSpec)
		if !ok || ts.Name.Name != structName {
			return true
		}
		st, ok := ts.Type.(*ast.StructType)
		if !ok {
			return true
		}
		for _, f := range st.Fields.List {
			if f.Tag == nil || len(f.Names) == 0 {
				continue
			}
			g := gauge{MethodName: f.Names[0].Name}
			tag := reflect.StructTag(strings.Trim(f.Tag.Value, "`"))
			mcTag, ok := tag.Lookup("mc")
			if !ok {
				continue
			}
			parseTag(mcTag, &g)
			gauges = append(gauges, g)
		}
		return false
	})

	t, err := template.ParseFiles("cmd/mcmetricsgen/template.tmpl")
	if err != nil {
		log.Fatal(err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, struct{ Gauges []gauge }{Gauges: gauges}); err != nil {
		log.Fatal(err)
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Generated %s\n", outputPath)
}

// parseTag reads comma-separated key='quoted value' pairs out of an mc
// struct tag, e.g. name='mccore_slab_ring_slabs',prom_help='...'.
func parseTag(tagString string, g *gauge) {
	for tagString != "" {
		i := strings.Index(tagString, "=")
		if i == -1 {
			log.Printf("malformed tag (missing =): %s [%s]", tagString, g.MethodName)
			return
		}
		key := tagString[:i]
		tagString = tagString[i+1:]

		var value string
		if strings.HasPrefix(tagString, "'") {
			tagString = tagString[1:]
			j := strings.Index(tagString, "'")
			if j == -1 {
				log.Printf("malformed tag (missing '): %s [%s]", tagString, g.MethodName)
				return
			}
			value = tagString[:j]
			tagString = tagString[j+1:]
			if strings.HasPrefix(tagString, ",") {
				tagString = tagString[1:]
			}
		} else {
			j := strings.Index(tagString, ",")
			if j == -1 {
				value = tagString
				tagString = ""
			} else {
				value = tagString[:j]
				tagString = tagString[j+1:]
			}
		}

		switch key {
		case "name":
			g.Name = value
		case "prom_help":
			g.Help = value
		}
	}
}
