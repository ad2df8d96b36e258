package release

import "testing"

func TestPrepareVersionWholeTagWhenNoCaptureGroup(t *testing.T) {
	re, err := CompileTagRegex(`\d{8}`)
	if err != nil {
		t.Fatal(err)
	}
	if got := PrepareVersion(re, "20200102"); got != "20200102" {
		t.Fatalf("got %q, want %q", got, "20200102")
	}
}

func TestPrepareVersionCaptureGroup(t *testing.T) {
	re, err := CompileTagRegex(`v(\d+\.\d+\.\d+)`)
	if err != nil {
		t.Fatal(err)
	}
	if got := PrepareVersion(re, "v1.2.3"); got != "1.2.3" {
		t.Fatalf("got %q, want %q", got, "1.2.3")
	}
}

func TestTagQualifiesAnchorsAtStart(t *testing.T) {
	re, err := CompileTagRegex(`\d{8}`)
	if err != nil {
		t.Fatal(err)
	}
	if !TagQualifies(re, "20200102") {
		t.Fatal("expected tag to qualify")
	}
	if TagQualifies(re, "v20200102") {
		t.Fatal("expected tag not prefixed by digits to be rejected, matching re.match's start anchor")
	}
}

func TestTagQualifiesEmptyRegexNeverQualifies(t *testing.T) {
	if TagQualifies(nil, "20200102") {
		t.Fatal("expected nil regex to never qualify a tag")
	}
}
