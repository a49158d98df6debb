package workflow

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind 是下单失败的分类
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindProductUnavailable  Kind = "ProductUnavailable"
	KindInsufficientStock   Kind = "InsufficientStock"
	KindPersistence         Kind = "PersistenceError"
	KindCompensationFailure Kind = "CompensationFailure"
)

// Error 描述哪一步失败、撤销了什么、还有什么没能撤销
type Error struct {
	Kind  Kind
	Step  State
	RunID string
	Err   error

	// Origin 是补偿失败前的原始分类，仅在 Kind == KindCompensationFailure 时有意义
	Origin           Kind
	Compensated      []string
	CompensationErrs []error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "order workflow %s failed after %s: %s", e.RunID, e.Step, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Compensated) > 0 {
		fmt.Fprintf(&b, " (compensated: %s)", strings.Join(e.Compensated, ", "))
	}
	if len(e.CompensationErrs) > 0 {
		fmt.Fprintf(&b, " (%d compensation(s) failed, manual intervention required)", len(e.CompensationErrs))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CompensationError 表示某个补偿动作本身失败
type CompensationError struct {
	Name string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation %s: %v", e.Name, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// KindOf 返回 err 链中 *Error 的分类，不是流程错误时返回空字符串
func KindOf(err error) Kind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}
	return ""
}
