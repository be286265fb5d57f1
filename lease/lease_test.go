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

package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coldvault/coldvault/transport"
	"github.com/coldvault/coldvault/transport/memtransport"
)

const testPath = "LEASE"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	l, err := Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Document().Nonce == 0 {
		t.Errorf("nonce = 0, want nonzero")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := tr.Read(ctx, testPath); !transport.IsNotFound(err) {
		t.Errorf("lease file still present after Release: err = %v", err)
	}
}

func TestAcquireBusyWhenHeld(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	l, err := Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release(ctx)

	_, err = Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	var busy *ErrBusy
	if !errors.As(err, &busy) {
		t.Fatalf("second Acquire err = %v, want ErrBusy", err)
	}
}

func TestAcquireBreaksExpiredLease(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	// expiry of one millisecond, so the existing lease is already
	// expired by the time the second Acquire inspects it.
	first, err := Acquire(ctx, tr, testPath, time.Hour, time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	first.cancel() // stop its own renewal so it stays expired
	<-first.done
	time.Sleep(5 * time.Millisecond)

	second, err := Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	second.Release(ctx)
}

func TestAcquireBreaksStaleCorruptLease(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()
	if err := tr.Write(ctx, testPath, []byte("not json"), transport.CreateNew); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A corrupt lease newer than the expiry window is reported, not broken.
	_, err := Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	var corrupt *ErrCorrupt
	if !errors.As(err, &corrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}

	// With a very short expiry window, the same corrupt lease now looks
	// stale and Acquire breaks it.
	l, err := Acquire(ctx, tr, testPath, time.Hour, time.Nanosecond)
	if err != nil {
		t.Fatalf("Acquire after staleness window: %v", err)
	}
	l.Release(ctx)
}

func TestRenewalDetectsStolenLease(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	l, err := Acquire(ctx, tr, testPath, time.Millisecond, time.Nanosecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.cancel()

	// Simulate another process breaking the (already-expired) lease and
	// taking it for itself before our renewal tick fires.
	if err := tr.RemoveFile(ctx, testPath); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	other, err := Acquire(ctx, tr, testPath, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("other Acquire: %v", err)
	}
	defer other.Release(ctx)

	select {
	case err := <-l.Lost():
		var stolen *ErrStolen
		var disappeared *ErrDisappeared
		if !errors.As(err, &stolen) && !errors.As(err, &disappeared) {
			t.Errorf("Lost() = %v, want ErrStolen or ErrDisappeared", err)
		}
	case <-time.After(time.Second):
		t.Fatal("renewal never detected the lease was taken")
	}
}

func TestRenewalDetectsDisappearedLease(t *testing.T) {
	ctx := context.Background()
	tr := memtransport.New()

	l, err := Acquire(ctx, tr, testPath, 5*time.Millisecond, time.Hour)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.cancel()

	if err := tr.RemoveFile(ctx, testPath); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	select {
	case err := <-l.Lost():
		var disappeared *ErrDisappeared
		if !errors.As(err, &disappeared) {
			t.Errorf("Lost() = %v, want ErrDisappeared", err)
		}
	case <-time.After(time.Second):
		t.Fatal("renewal never noticed the lease file was gone")
	}
}
