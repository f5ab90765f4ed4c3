package domain

import "time"

const (
	// UndoLimit 压缩后撤销栈保留的笔画数
	UndoLimit = 25
	// BatchTriggerSize 撤销栈达到该长度时触发压缩
	BatchTriggerSize = 50
)

// Session 是房间的撤销/重做状态，保存在共享 Redis 中，任意实例都可以服务该房间。
// 撤销栈与重做栈互斥: 从一个栈弹出的笔画总是压入另一个栈。
type Session struct {
	RoomID       string    `json:"roomId"`
	UndoStack    []Stroke  `json:"undoStack"`
	RedoStack    []Stroke  `json:"redoStack"`
	BaseImageURL *string   `json:"currBaseImageURL"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewSession 创建空会话
func NewSession(roomID string, now time.Time) *Session {
	return &Session{
		RoomID:    roomID,
		UndoStack: []Stroke{},
		RedoStack: []Stroke{},
		CreatedAt: now,
	}
}

// Push 追加笔画并清空重做栈，返回新的撤销栈长度。
func (s *Session) Push(stroke Stroke) int {
	s.UndoStack = append(s.UndoStack, stroke)
	s.RedoStack = []Stroke{}
	return len(s.UndoStack)
}

// Undo 将撤销栈顶移到重做栈。栈为空时返回 false。
func (s *Session) Undo() bool {
	n := len(s.UndoStack)
	if n == 0 {
		return false
	}
	top := s.UndoStack[n-1]
	s.UndoStack = s.UndoStack[:n-1]
	s.RedoStack = append(s.RedoStack, top)
	return true
}

// Redo 将重做栈顶移回撤销栈。栈为空时返回 false。
func (s *Session) Redo() bool {
	n := len(s.RedoStack)
	if n == 0 {
		return false
	}
	top := s.RedoStack[n-1]
	s.RedoStack = s.RedoStack[:n-1]
	s.UndoStack = append(s.UndoStack, top)
	return true
}

// TrimOldest 删除撤销栈最早的 k 条笔画 (k 超过栈长时截断)，返回实际删除数。
// 删除的是提交时刻栈的前缀，压缩期间追加的笔画不受影响。
func (s *Session) TrimOldest(k int) int {
	if k <= 0 {
		return 0
	}
	if k > len(s.UndoStack) {
		k = len(s.UndoStack)
	}
	rest := make([]Stroke, len(s.UndoStack)-k)
	copy(rest, s.UndoStack[k:])
	s.UndoStack = rest
	return k
}

// Reset 清空两个栈和底图
func (s *Session) Reset() {
	s.UndoStack = []Stroke{}
	s.RedoStack = []Stroke{}
	s.BaseImageURL = nil
}

// OldestForCompaction 返回需要栅格化的笔画副本 (撤销栈前 BatchTriggerSize-UndoLimit 条)。
// 不修改会话。
func (s *Session) OldestForCompaction() []Stroke {
	n := BatchTriggerSize - UndoLimit
	if n > len(s.UndoStack) {
		n = len(s.UndoStack)
	}
	out := make([]Stroke, n)
	copy(out, s.UndoStack[:n])
	return out
}

// History 生成完整替换式的 CANVAS_HISTORY 载荷
func (s *Session) History(width, height int) HistoryPayload {
	history := make([]Stroke, len(s.UndoStack))
	copy(history, s.UndoStack)
	return HistoryPayload{
		BaseImageURL: s.BaseImageURL,
		History:      history,
		Width:        width,
		Height:       height,
	}
}

// HistoryPayload 是 CANVAS_HISTORY 事件的载荷。客户端收到后整体替换本地画布。
type HistoryPayload struct {
	BaseImageURL *string  `json:"baseImageURL"`
	History      []Stroke `json:"history"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
}
