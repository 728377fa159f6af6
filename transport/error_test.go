package transport

import "testing"

func TestErrorFormat(t *testing.T) {
	data := []struct {
		code uint64
		msg  string
		err  string
	}{
		{1, "no idea", "internal_error no idea"},
		{12, "", "application_error"},
		{0x100, "general", "crypto_error_0 general"},
		{0x1ff, "", "crypto_error_255"},
		{0xffff, "unknown", "error_ffff unknown"},
	}
	for _, d := range data {
		err := Error{d.code, d.msg}
		if err.Error() != d.err {
			t.Errorf("unexpect error string: %+v %q", err, err.Error())
		}
	}
}

func TestAppErrorFormat(t *testing.T) {
	err := AppError{Code: 9, Message: "shutdown"}
	if err.Error() != "application_error code=9 shutdown" {
		t.Errorf("unexpect error string: %q", err.Error())
	}
	err = AppError{Code: 9}
	if err.Error() != "application_error code=9" {
		t.Errorf("unexpect error string: %q", err.Error())
	}
}
