/*
Copyright 2026 The Coldvault Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package objstore

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/coldvault/coldvault/transport"
)

// New dials out to a real or emulated S3 endpoint on construction, so
// it is exercised by integration setups rather than here; this package
// tests the pure key-mapping and error-classification logic that every
// method relies on.

func TestKeyJoinsPrefix(t *testing.T) {
	tr := &Transport{bucket: "b", prefix: "archive/"}
	if got, want := tr.key("i/00000/000000000"), "archive/i/00000/000000000"; got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}

	bare := &Transport{bucket: "b"}
	if got, want := bare.key("CONSERVE"), "CONSERVE"; got != want {
		t.Errorf("key() with empty prefix = %q, want %q", got, want)
	}
}

func TestMapErrTranslatesNotFound(t *testing.T) {
	for _, code := range []string{"NoSuchKey", "NoSuchBucket", "NotFound"} {
		err := mapErr(awserr.New(code, "missing", nil), "some/path")
		if !transport.IsNotFound(err) {
			t.Errorf("mapErr(%s) = %v, want IsNotFound", code, err)
		}
	}
}

func TestMapErrPassesThroughOtherCodes(t *testing.T) {
	err := mapErr(awserr.New("AccessDenied", "nope", nil), "some/path")
	if transport.IsNotFound(err) {
		t.Errorf("mapErr(AccessDenied) classified as not-found")
	}
}

func TestMapErrNilIsNil(t *testing.T) {
	if err := mapErr(nil, "x"); err != nil {
		t.Errorf("mapErr(nil) = %v, want nil", err)
	}
}

func TestIsNotFoundErr(t *testing.T) {
	if !isNotFoundErr(awserr.New("NoSuchKey", "missing", nil)) {
		t.Error("isNotFoundErr(NoSuchKey) = false, want true")
	}
	if isNotFoundErr(awserr.New("AccessDenied", "nope", nil)) {
		t.Error("isNotFoundErr(AccessDenied) = true, want false")
	}
}
