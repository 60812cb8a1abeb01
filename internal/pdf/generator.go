// Package pdf 在无头 Chromium 中把 HTML 渲染为 PDF 与 JPEG 预览图。
package pdf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Output 是一次渲染的产物。Preview 可能为空（截图失败不影响 PDF）。
type Output struct {
	PDF     []byte
	Preview []byte
}

// Renderer 抽象渲染器，worker 测试中以假实现替换。
type Renderer interface {
	Render(ctx context.Context, html string) (*Output, error)
}

// RodRenderer 每次渲染启动一个独立的浏览器进程，渲染结束后清理。
type RodRenderer struct {
	BinPath        string
	Timeout        time.Duration
	PreviewQuality int
	logger         *slog.Logger
}

var _ Renderer = (*RodRenderer)(nil)

func NewRodRenderer(logger *slog.Logger) *RodRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RodRenderer{Timeout: 60 * time.Second, PreviewQuality: 80, logger: logger}
	if path, ok := launcher.LookPath(); ok {
		r.BinPath = path
	}
	return r
}

func (r *RodRenderer) Render(ctx context.Context, html string) (_ *Output, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	launch := launcher.New().Context(ctx).Headless(true).NoSandbox(true)
	if r.BinPath != "" {
		launch = launch.Bin(r.BinPath)
	}
	browserURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	defer launch.Cleanup()

	browser := rod.New().Context(ctx).ControlURL(browserURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		_ = browser.Close()
	}()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer func() {
		_ = page.Close()
	}()

	if err := page.SetDocumentContent(html); err != nil {
		return nil, fmt.Errorf("set document content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	r.waitFonts(page)

	if err := (proto.EmulationSetEmulatedMedia{Media: "print"}).Call(page); err != nil {
		return nil, fmt.Errorf("set emulated media to print: %w", err)
	}

	data, err := exportPDF(page)
	if err != nil {
		return nil, err
	}
	out := &Output{PDF: data}

	preview, err := screenshot(page, r.PreviewQuality)
	if err != nil {
		r.logger.Warn("capture cv preview failed", slog.Any("error", err))
	} else {
		out.Preview = preview
	}
	return out, nil
}

// waitFonts 等待 document.fonts.ready，最多 3 秒。
func (r *RodRenderer) waitFonts(page *rod.Page) {
	_, err := page.Timeout(5 * time.Second).Eval(`() => {
	  if (document && document.fonts && document.fonts.ready) {
	    return Promise.race([
	      document.fonts.ready.then(() => true),
	      new Promise((resolve) => setTimeout(() => resolve(true), 3000))
	    ]);
	  }
	  return true;
	}`)
	if err != nil {
		r.logger.Warn("document.fonts.ready wait failed, continue", slog.Any("error", err))
	}
}

func exportPDF(page *rod.Page) ([]byte, error) {
	reader, err := page.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PaperWidth:        float64Ptr(8.27),
		PaperHeight:       float64Ptr(11.69),
		PreferCSSPageSize: true,
	})
	if err != nil {
		return nil, fmt.Errorf("export pdf: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf bytes: %w", err)
	}
	return data, nil
}

func screenshot(page *rod.Page, quality int) ([]byte, error) {
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: intPtr(quality),
	})
	if err != nil {
		return nil, fmt.Errorf("page screenshot: %w", err)
	}
	return data, nil
}

func float64Ptr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }
