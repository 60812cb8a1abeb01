package cv

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
)

//go:embed themes/*.html
var themeFS embed.FS

// DefaultTheme 在主题缺省或未知时使用。
const DefaultTheme = "classic"

var funcs = template.FuncMap{
	"paragraphs": func(s string) []string {
		var out []string
		for _, p := range strings.Split(s, "\n") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	},
	"stars": func(level int) []struct{} {
		if level < 0 {
			level = 0
		}
		if level > 5 {
			level = 5
		}
		return make([]struct{}, level)
	},
	"yearRange": func(e Education) string {
		switch {
		case e.StartYear == 0:
			return ""
		case e.EndYear == 0:
			return fmt.Sprintf("%d - Present", e.StartYear)
		default:
			return fmt.Sprintf("%d - %d", e.StartYear, e.EndYear)
		}
	},
}

var themes = mustParseThemes()

func mustParseThemes() map[string]*template.Template {
	base := template.Must(template.New("base").Funcs(funcs).ParseFS(themeFS, "themes/base.html"))

	entries, err := themeFS.ReadDir("themes")
	if err != nil {
		panic(err)
	}
	out := make(map[string]*template.Template)
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".html")
		if name == "base" {
			continue
		}
		tmpl := template.Must(template.Must(base.Clone()).ParseFS(themeFS, "themes/"+entry.Name()))
		out[name] = tmpl
	}
	return out
}

// Themes 返回可用主题名。
func Themes() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsTheme reports whether name is a known theme.
func IsTheme(name string) bool {
	_, ok := themes[name]
	return ok
}

// RenderHTML 使用文档指定的主题渲染完整 HTML 页面。用户输入全部经过 html/template 转义。
func RenderHTML(doc Document) (string, error) {
	tmpl, ok := themes[doc.Theme]
	if !ok {
		tmpl = themes[DefaultTheme]
	}
	if doc.AccentColor == "" || !isHexColor(doc.AccentColor) {
		doc.AccentColor = "#1f6feb"
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "page", doc); err != nil {
		return "", fmt.Errorf("render cv html: %w", err)
	}
	return buf.String(), nil
}

func isHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
