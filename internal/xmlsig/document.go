package xmlsig

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/russellhaering/goxmldsig/etreeutils"
	"golang.org/x/net/html/charset"
)

const xmlDeclaration = `version="1.0" encoding="UTF-8"`

// MaxDepth bounds element nesting. Copying, serialization and canonicalization
// recurse once per level.
const MaxDepth = 10000

var errDoctype = errors.New("DOCTYPE declarations are not accepted")

// Parse reads a namespace aware document tree. Declared encodings other than
// UTF-8 are decoded, DOCTYPE declarations are rejected.
func Parse(data []byte) (*etree.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, stageError(StageParse, ErrMalformedInput, errors.New("empty document"))
	}

	doc := etree.NewDocument()
	doc.ReadSettings = etree.ReadSettings{
		CharsetReader: charset.NewReaderLabel,
	}

	if err := doc.ReadFromBytes(data); err != nil {
		return nil, stageError(StageParse, ErrMalformedInput, err)
	}

	for _, tok := range doc.Child {
		if d, ok := tok.(*etree.Directive); ok && isDoctype(d.Data) {
			return nil, stageError(StageParse, ErrMalformedInput, errDoctype)
		}
	}

	if doc.Root() == nil {
		return nil, stageError(StageParse, ErrMalformedInput, errors.New("no root element"))
	}

	if depth(doc.Root()) > MaxDepth {
		return nil, stageError(StageParse, ErrMalformedInput, fmt.Errorf("elements nested deeper than %d levels", MaxDepth))
	}

	return doc, nil
}

// depth returns the nesting depth of the tree under root, stopping once it exceeds MaxDepth.
func depth(root *etree.Element) int {
	type frame struct {
		el    *etree.Element
		level int
	}

	deepest := 0
	stack := []frame{{root, 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.level > deepest {
			deepest = f.level
			if deepest > MaxDepth {
				return deepest
			}
		}
		for _, child := range f.el.ChildElements() {
			stack = append(stack, frame{child, f.level + 1})
		}
	}
	return deepest
}

// Serialize writes the document as UTF-8 with a normalized XML declaration and no indentation.
func Serialize(doc *etree.Document) ([]byte, error) {
	out := doc.Copy()

	for i := 0; i < len(out.Child); {
		if p, ok := out.Child[i].(*etree.ProcInst); ok && p.Target == "xml" {
			out.RemoveChildAt(i)
			continue
		}
		i++
	}
	out.InsertChildAt(0, etree.NewProcInst("xml", xmlDeclaration))

	out.WriteSettings = etree.WriteSettings{
		CanonicalText:    true,
		CanonicalAttrVal: true,
	}

	return out.WriteToBytes()
}

func isDoctype(directive string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(directive)), "DOCTYPE")
}

// identifier returns the value of the unprefixed attribute named attr when it is not blank.
func identifier(el *etree.Element, attr string) (string, bool) {
	for _, a := range el.Attr {
		if a.Space == "" && a.Key == attr {
			if strings.TrimSpace(a.Value) == "" {
				return "", false
			}
			return a.Value, true
		}
	}
	return "", false
}

// candidates returns every element with a non-blank identifier in document pre-order.
// The traversal uses an explicit stack so document depth does not grow the call stack.
func candidates(root *etree.Element, attr string) []*etree.Element {
	var found []*etree.Element

	stack := []*etree.Element{root}
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := identifier(el, attr); ok {
			found = append(found, el)
		}

		children := el.ChildElements()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return found
}

func isSignature(el *etree.Element) bool {
	return el.Tag == dsig.SignatureTag && el.NamespaceURI() == dsig.Namespace
}

// directSignature returns the first Signature child of el, if any.
func directSignature(el *etree.Element) *etree.Element {
	for _, child := range el.ChildElements() {
		if isSignature(child) {
			return child
		}
	}
	return nil
}

// containsSignature reports whether el or any of its descendants is a Signature.
func containsSignature(el *etree.Element) bool {
	stack := []*etree.Element{el}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if isSignature(cur) {
			return true
		}
		stack = append(stack, cur.ChildElements()...)
	}
	return false
}

// detach copies el with every namespace declaration in scope at its position and
// the inherited xml:* attributes, so that inclusive canonicalization of the copy
// matches canonicalization of el inside its document.
func detach(el *etree.Element) (*etree.Element, error) {
	ctx, err := etreeutils.NSBuildParentContext(el)
	if err != nil {
		return nil, err
	}

	detached, err := etreeutils.NSDetatch(ctx, el)
	if err != nil {
		return nil, err
	}

	for parent := el.Parent(); parent != nil; parent = parent.Parent() {
		for _, a := range parent.Attr {
			if a.Space != "xml" {
				continue
			}
			if detached.SelectAttr("xml:"+a.Key) != nil {
				continue
			}
			detached.CreateAttr("xml:"+a.Key, a.Value)
		}
	}

	return detached, nil
}
