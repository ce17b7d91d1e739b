package errs

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrPanic 把 recover() 的值转换为 internal 错误
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	c := ErrInternal.clone()
	c.Msg = "panic error"
	c.Detail = fmt.Sprint(r)
	return pkgerrors.WithStack(c)
}
