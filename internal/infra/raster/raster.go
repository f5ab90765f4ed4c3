// Package raster 在服务端把底图和笔画合成为新的快照，
// 用于没有可用客户端完成压缩时的兜底。
package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"strings"

	"github.com/gogpu/gg"
	_ "golang.org/x/image/webp" // 客户端默认导出 WebP

	"collaborative-canvas/internal/domain"
)

var (
	// ErrUnsupportedBaseImage 底图不是可解码的 data URL
	ErrUnsupportedBaseImage = errors.New("raster: base image must be a base64 data URL")
	// ErrInvalidSize 画布尺寸非法
	ErrInvalidSize = errors.New("raster: invalid canvas size")
)

const pngDataURLPrefix = "data:image/png;base64,"

// Renderer 把底图 + 笔画栅格化为 PNG data URL
type Renderer struct{}

// NewRenderer 创建 Renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render 按顺序绘制笔画。PEN 正常叠加，ERASER 按 destination-out 擦除已有像素。
func (r *Renderer) Render(baseImageURL *string, strokes []domain.Stroke, width, height int) (string, error) {
	if width <= 0 || height <= 0 {
		return "", ErrInvalidSize
	}

	// 1. 底图
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	if baseImageURL != nil && *baseImageURL != "" {
		base, err := DecodeDataURL(*baseImageURL)
		if err != nil {
			return "", err
		}
		draw.Draw(canvas, canvas.Bounds(), base, base.Bounds().Min, draw.Src)
	}

	// 2. 按连续的同类工具分段绘制
	for start := 0; start < len(strokes); {
		end := start
		for end < len(strokes) && strokes[end].Tool == strokes[start].Tool {
			end++
		}
		run := strokes[start:end]
		if strokes[start].Tool == domain.ToolEraser {
			eraseRun(canvas, run)
		} else {
			canvas = penRun(canvas, run)
		}
		start = end
	}

	// 3. 编码
	dc := gg.NewContextForImage(canvas)
	defer dc.Close()
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return "", fmt.Errorf("raster: encode png: %w", err)
	}
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// penRun 在当前画布上叠加一组画笔笔画
func penRun(canvas *image.RGBA, strokes []domain.Stroke) *image.RGBA {
	dc := gg.NewContextForImage(canvas)
	defer dc.Close()
	for _, s := range strokes {
		color := s.Color
		if color == "" {
			color = "#000000"
		}
		dc.SetHexColor(color)
		tracePath(dc, s)
	}
	return toRGBA(dc.Image())
}

// eraseRun 把橡皮擦笔画画到单独的遮罩上，再按遮罩 alpha 削减画布像素。
// gg 没有导出 destination-out 混合模式，这里直接在预乘 RGBA 上计算。
func eraseRun(canvas *image.RGBA, strokes []domain.Stroke) {
	b := canvas.Bounds()
	mask := gg.NewContext(b.Dx(), b.Dy())
	defer mask.Close()
	mask.SetRGBA(1, 1, 1, 1)
	for _, s := range strokes {
		tracePath(mask, s)
	}
	m := toRGBA(mask.Image())

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			a := uint32(m.Pix[m.PixOffset(x, y)+3])
			if a == 0 {
				continue
			}
			keep := 255 - a
			i := canvas.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				canvas.Pix[i+c] = uint8(uint32(canvas.Pix[i+c]) * keep / 255)
			}
		}
	}
}

// tracePath 用圆头圆角描出一条笔画，单点笔画画成圆点
func tracePath(dc *gg.Context, s domain.Stroke) {
	if len(s.Path) == 0 {
		return
	}
	width := s.StrokeWidth
	if width <= 0 {
		width = 1
	}
	if len(s.Path) == 1 {
		p := s.Path[0]
		dc.DrawCircle(p.X, p.Y, width/2)
		_ = dc.Fill()
		return
	}
	dc.SetLineWidth(width)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	dc.MoveTo(s.Path[0].X, s.Path[0].Y)
	for _, p := range s.Path[1:] {
		dc.LineTo(p.X, p.Y)
	}
	_ = dc.Stroke()
}

// DecodeDataURL 解码 base64 data URL 图片 (png/jpeg/webp)
func DecodeDataURL(dataURL string) (image.Image, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return nil, ErrUnsupportedBaseImage
	}
	comma := strings.IndexByte(dataURL, ',')
	if comma < 0 || !strings.HasSuffix(dataURL[:comma], ";base64") {
		return nil, ErrUnsupportedBaseImage
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("raster: decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("raster: decode image: %w", err)
	}
	return img, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
