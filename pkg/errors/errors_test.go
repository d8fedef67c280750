package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := E(KindStaleLease, "lease token mismatch")
	if KindOf(err) != KindStaleLease {
		t.Errorf("KindOf = %v, want stale_lease", KindOf(err))
	}
	// 包装后 Kind 不丢失
	wrapped := Wrap(err, "complete job j1")
	if KindOf(wrapped) != KindStaleLease {
		t.Errorf("KindOf(wrapped) = %v, want stale_lease", KindOf(wrapped))
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	err := fmt.Errorf("dial tcp: connection refused")
	if KindOf(err) != KindTransient {
		t.Errorf("未分类错误应按 transient 处理, got %v", KindOf(err))
	}
	if KindOf(nil) != "" {
		t.Errorf("KindOf(nil) 应为空")
	}
}

func TestWrapKind(t *testing.T) {
	cause := errors.New("timeout")
	err := WrapKind(KindTransient, cause, "query jobs")
	if !errors.Is(err, cause) {
		t.Errorf("WrapKind 应保留 cause")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if WrapKind(KindTransient, nil, "x") != nil {
		t.Errorf("WrapKind(nil) 应为 nil")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(KindTransient, "storage timeout")) {
		t.Errorf("transient 应可重试")
	}
	for _, k := range []Kind{KindInvalidArgument, KindNotFound, KindConflict, KindStaleLease, KindPreconditionFailed, KindPermanent} {
		if Retryable(E(k, "x")) {
			t.Errorf("%s 不应可重试", k)
		}
	}
}
