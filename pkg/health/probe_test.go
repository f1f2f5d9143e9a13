package health

import "testing"

func TestBuildChecker_NoHint(t *testing.T) {
	if _, ok := BuildChecker(nil); ok {
		t.Error("expected no checker for nil data")
	}
	if _, ok := BuildChecker(map[string]string{}); ok {
		t.Error("expected no checker for empty data")
	}
}

func TestBuildChecker_HTTP(t *testing.T) {
	checker, ok := BuildChecker(map[string]string{
		DataKeyCheckType:   "http",
		DataKeyCheckTarget: "http://127.0.0.1:9/health",
	})
	if !ok {
		t.Fatal("expected a checker")
	}
	if checker.Type() != CheckTypeHTTP {
		t.Errorf("expected http checker, got %s", checker.Type())
	}
}

func TestBuildChecker_TCP(t *testing.T) {
	checker, ok := BuildChecker(map[string]string{
		DataKeyCheckType:   "tcp",
		DataKeyCheckTarget: "127.0.0.1:9",
	})
	if !ok {
		t.Fatal("expected a checker")
	}
	if checker.Type() != CheckTypeTCP {
		t.Errorf("expected tcp checker, got %s", checker.Type())
	}
}

func TestBuildChecker_Exec(t *testing.T) {
	checker, ok := BuildChecker(map[string]string{
		DataKeyCheckType:    "exec",
		DataKeyCheckCommand: "true",
	})
	if !ok {
		t.Fatal("expected a checker")
	}
	if checker.Type() != CheckTypeExec {
		t.Errorf("expected exec checker, got %s", checker.Type())
	}
}

func TestBuildChecker_MissingTarget(t *testing.T) {
	if _, ok := BuildChecker(map[string]string{DataKeyCheckType: "http"}); ok {
		t.Error("expected no checker when http target is missing")
	}
	if _, ok := BuildChecker(map[string]string{DataKeyCheckType: "exec"}); ok {
		t.Error("expected no checker when exec command is missing")
	}
}

func TestBuildChecker_UnknownType(t *testing.T) {
	if _, ok := BuildChecker(map[string]string{DataKeyCheckType: "ping"}); ok {
		t.Error("expected no checker for an unrecognized type")
	}
}
