package s3

import "testing"

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3://vet-models/cats/v2/best.tflite")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "vet-models" || key != "cats/v2/best.tflite" {
		t.Fatalf("got bucket=%q key=%q", bucket, key)
	}

	for _, bad := range []string{"https://example.com/a", "s3://bucket-only", "s3:///key"} {
		if _, _, err := ParseURI(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
