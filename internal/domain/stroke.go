package domain

import "errors"

// Tool 画笔类型
type Tool string

const (
	ToolPen    Tool = "PEN"
	ToolEraser Tool = "ERASER"
)

// ErrInvalidStroke 表示笔画数据不合法
var ErrInvalidStroke = errors.New("invalid stroke data")

// Point 画布坐标
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke 是一次完整的笔画，进入撤销栈后不再修改。
type Stroke struct {
	Tool        Tool    `json:"tool"`
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
	Path        []Point `json:"path"`
}

// Validate 校验笔画: 已知工具、非空路径、线宽为正。
func (s Stroke) Validate() error {
	if s.Tool != ToolPen && s.Tool != ToolEraser {
		return ErrInvalidStroke
	}
	if len(s.Path) == 0 || s.StrokeWidth <= 0 {
		return ErrInvalidStroke
	}
	return nil
}
