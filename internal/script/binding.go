package script

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// binding exposes a goquery tree as a small read-only subset of the DOM API.
type binding struct {
	vm  *goja.Runtime
	doc *goquery.Document
}

func newBinding(vm *goja.Runtime, doc *goquery.Document) *binding {
	return &binding{vm: vm, doc: doc}
}

func (b *binding) document() goja.Value {
	if b.doc == nil {
		return goja.Null()
	}
	obj := b.vm.NewObject()
	root := b.doc.Selection
	obj.Set("title", strings.TrimSpace(root.Find("title").First().Text()))
	obj.Set("documentElement", b.element(root.Find("html").First()))
	obj.Set("body", b.element(root.Find("body").First()))
	obj.Set("querySelector", b.querySelector(root))
	obj.Set("querySelectorAll", b.querySelectorAll(root))
	obj.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		var match *goquery.Selection
		root.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr("id"); ok && v == id {
				match = s
				return false
			}
			return true
		})
		if match == nil {
			return goja.Null()
		}
		return b.element(match)
	})
	return obj
}

func (b *binding) element(s *goquery.Selection) goja.Value {
	if s == nil || s.Length() == 0 {
		return goja.Null()
	}
	n := s.Nodes[0]
	if n.Type != html.ElementNode {
		return goja.Null()
	}
	obj := b.vm.NewObject()
	obj.Set("id", s.AttrOr("id", ""))
	obj.Set("tagName", strings.ToUpper(n.Data))
	obj.Set("className", s.AttrOr("class", ""))
	obj.Set("textContent", s.Text())
	inner, _ := s.Html()
	obj.Set("innerHTML", inner)
	outer, _ := goquery.OuterHtml(s)
	obj.Set("outerHTML", outer)
	obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		if v, ok := s.Attr(call.Argument(0).String()); ok {
			return b.vm.ToValue(v)
		}
		return goja.Null()
	})
	obj.Set("hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := s.Attr(call.Argument(0).String())
		return b.vm.ToValue(ok)
	})
	obj.Set("querySelector", b.querySelector(s))
	obj.Set("querySelectorAll", b.querySelectorAll(s))
	return obj
}

func (b *binding) compile(call goja.FunctionCall) cascadia.Selector {
	sel, err := cascadia.Compile(call.Argument(0).String())
	if err != nil {
		panic(b.vm.NewGoError(err))
	}
	return sel
}

func (b *binding) querySelector(scope *goquery.Selection) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return b.element(scope.FindMatcher(b.compile(call)).First())
	}
}

func (b *binding) querySelectorAll(scope *goquery.Selection) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		matches := scope.FindMatcher(b.compile(call))
		out := make([]interface{}, 0, matches.Length())
		matches.Each(func(_ int, s *goquery.Selection) {
			out = append(out, b.element(s))
		})
		return b.vm.NewArray(out...)
	}
}
