// Package testutils provides helpers shared by the tests of this module.
package testutils

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.viam.com/test"

	"go.viam.com/callsignal"
	mongoutils "go.viam.com/callsignal/mongo"
)

var (
	logger          = golog.Global().Named("test")
	noSkip          = false
	randomizeOnce   sync.Once
	restoreNamesMu  sync.Mutex
	restoreNamesFns []func()
)

func init() {
	noSkip = os.Getenv("CALLSIGNAL_TEST_NO_SKIP") != ""
}

func skipWithError(t *testing.T, err error) {
	t.Helper()
	if noSkip {
		t.Fatal(err)
		return
	}
	t.Skip(err)
}

func backingMongoDBURI() (string, error) {
	mongoURI, ok := os.LookupEnv("TEST_MONGODB_URI")
	if !ok || mongoURI == "" {
		return "", errors.New("no MongoDB URI found")
	}
	randomizeMongoDBNamespaces()
	return mongoURI, nil
}

// randomizeMongoDBNamespaces remaps every registered namespace once per test binary so
// concurrent test runs against the same server do not see each other's documents.
func randomizeMongoDBNamespaces() {
	randomizeOnce.Do(func() {
		newNamespaces, restore := mongoutils.RandomizeNamespaces()
		logger.Debugw("randomized MongoDB namespaces", "namespaces", newNamespaces)
		restoreNamesMu.Lock()
		restoreNamesFns = append(restoreNamesFns, restore)
		restoreNamesMu.Unlock()
	})
}

// SkipUnlessBackingMongoDBURI verifies there is a backing MongoDB URI to use.
func SkipUnlessBackingMongoDBURI(t *testing.T) {
	t.Helper()
	_, err := backingMongoDBURI()
	if err == nil {
		return
	}
	skipWithError(t, err)
}

// BackingMongoDBURI returns the backing MongoDB URI to use.
func BackingMongoDBURI(t *testing.T) string {
	t.Helper()
	mongoURI, err := backingMongoDBURI()
	if err != nil {
		skipWithError(t, err)
		return ""
	}
	return mongoURI
}

// BackingMongoDBClient returns a connected client to the backing MongoDB, skipping the
// test if none is configured. The client is disconnected when the test ends.
func BackingMongoDBClient(t *testing.T) *mongo.Client {
	t.Helper()
	mongoURI := BackingMongoDBURI(t)
	if mongoURI == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, client.Ping(ctx, nil), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, client.Disconnect(context.Background()), test.ShouldBeNil)
	})
	return client
}

// WaitForAssertion is WaitForAssertionWithSleep with a 10ms sleep and 100 tries.
func WaitForAssertion(t *testing.T, assertion func(tb testing.TB)) {
	t.Helper()
	WaitForAssertionWithSleep(t, 10*time.Millisecond, 100, assertion)
}

// WaitForAssertionWithSleep runs assertion against a recording testing.TB until it
// passes or the tries run out, in which case it runs it once more against t so the
// real failure is reported.
func WaitForAssertionWithSleep(t *testing.T, sleep time.Duration, tries int, assertion func(tb testing.TB)) {
	t.Helper()
	for i := 0; i < tries; i++ {
		rec := &recordingTB{TB: t}
		func() {
			defer func() {
				if r := recover(); r != nil && r != errRecordingTBFailed {
					panic(r)
				}
			}()
			assertion(rec)
		}()
		if !rec.failed {
			return
		}
		time.Sleep(sleep)
	}
	assertion(t)
}

var errRecordingTBFailed = errors.New("assertion failed")

type recordingTB struct {
	testing.TB
	failed bool
}

func (tb *recordingTB) Helper() {}

func (tb *recordingTB) Error(args ...interface{}) {
	tb.failed = true
}

func (tb *recordingTB) Errorf(format string, args ...interface{}) {
	tb.failed = true
}

func (tb *recordingTB) Fail() {
	tb.failed = true
}

func (tb *recordingTB) FailNow() {
	tb.failed = true
	panic(errRecordingTBFailed)
}

func (tb *recordingTB) Fatal(args ...interface{}) {
	tb.FailNow()
}

func (tb *recordingTB) Fatalf(format string, args ...interface{}) {
	tb.FailNow()
}

func (tb *recordingTB) Failed() bool {
	return tb.failed
}

// NewMongoDBNamespace returns a new random database and collection name
// to be used by a test.
func NewMongoDBNamespace() (string, string) {
	return "test-" + callsignal.RandomAlphaString(5), callsignal.RandomAlphaString(5)
}
