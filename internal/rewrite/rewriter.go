// Package rewrite replaces plain <img> elements with responsive <picture>
// markup backed by the image pipeline.
package rewrite

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"phim/internal/pipeline"
)

// Processor runs the image pipeline for one source reference.
type Processor interface {
	Process(ctx context.Context, ref string) (*pipeline.Result, error)
}

type Rewriter struct {
	processor Processor
	logger    *zap.Logger
}

func New(processor Processor, logger *zap.Logger) *Rewriter {
	return &Rewriter{
		processor: processor,
		logger:    logger,
	}
}

// RewriteDocument rewrites a full HTML document. Images whose pipeline
// fails are left unchanged; their errors are combined into the returned
// error, which accompanies otherwise valid markup.
func (r *Rewriter) RewriteDocument(ctx context.Context, markup string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	rewriteErr := r.rewriteTree(ctx, doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return buf.String(), rewriteErr
}

// RewriteFragment rewrites markup that is not a full document, such as a
// rendered component. The output carries no html/head/body wrapper.
func (r *Rewriter) RewriteFragment(ctx context.Context, markup string) (string, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}

	container := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		container.AppendChild(n)
	}

	rewriteErr := r.rewriteTree(ctx, container)

	var buf bytes.Buffer
	for c := container.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("render fragment: %w", err)
		}
	}
	return buf.String(), rewriteErr
}

type job struct {
	node   *html.Node
	src    string
	result *pipeline.Result
	err    error
}

func (r *Rewriter) rewriteTree(ctx context.Context, root *html.Node) error {
	var jobs []*job
	for _, n := range eligibleImages(root) {
		jobs = append(jobs, &job{node: n, src: strings.TrimSpace(attr(n, "src"))})
	}
	if len(jobs) == 0 {
		return nil
	}

	// Pipelines run concurrently; the tree is only touched afterwards, on
	// this goroutine.
	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			j.result, j.err = r.processor.Process(ctx, j.src)
			return nil
		})
	}
	g.Wait()

	var errs error
	for _, j := range jobs {
		if j.err != nil {
			r.logger.Error("Image rewrite failed", zap.String("src", j.src), zap.Error(j.err))
			errs = multierr.Append(errs, fmt.Errorf("image %q: %w", j.src, j.err))
			continue
		}
		wrapPicture(j.node, j.result)
	}
	return errs
}

// eligibleImages returns every <img> with a usable src that is not already
// inside a <picture>.
func eligibleImages(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Img {
			src := strings.TrimSpace(attr(n, "src"))
			inPicture := n.Parent != nil && n.Parent.Type == html.ElementNode && n.Parent.Data == "picture"
			if src != "" && !inPicture && !strings.HasPrefix(src, "data:") {
				out = append(out, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// wrapPicture points img at the fallback and moves it into a new <picture>
// holding one <source> per variant.
func wrapPicture(img *html.Node, res *pipeline.Result) {
	setAttr(img, "src", res.Fallback)

	picture := &html.Node{Type: html.ElementNode, Data: "picture", DataAtom: atom.Lookup([]byte("picture"))}
	for _, v := range res.Variants {
		source := &html.Node{
			Type:     html.ElementNode,
			Data:     "source",
			DataAtom: atom.Source,
			Attr: []html.Attribute{
				{Key: "type", Val: v.MIME},
				{Key: "srcset", Val: v.Path + " " + strconv.Itoa(v.Width) + "w"},
			},
		}
		if v.Media != "" {
			source.Attr = append(source.Attr, html.Attribute{Key: "media", Val: v.Media})
		}
		picture.AppendChild(source)
	}

	parent := img.Parent
	parent.InsertBefore(picture, img)
	parent.RemoveChild(img)
	picture.AppendChild(img)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
