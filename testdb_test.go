package odm_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kinfkong/modern-odm"
)

// testDB is a throwaway database on the server named by MONGODB_TEST_URL.
type testDB struct {
	Manager *odm.Manager
	Config  odm.Config
}

// newTestDB skips the test when no server is configured. The database is
// dropped and the manager closed when the test ends.
func newTestDB(t *testing.T) *testDB {
	t.Helper()
	mongoURL := os.Getenv("MONGODB_TEST_URL")
	if mongoURL == "" {
		t.Skip("MONGODB_TEST_URL not set")
	}

	cfg := odm.ConfigFromURI(mongoURL).WithDatabase("odm_test_" + primitive.NewObjectID().Hex())
	cfg.ServerSelectionTimeout = 5 * time.Second
	tdb := &testDB{Manager: odm.NewManager(), Config: cfg}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if client, err := tdb.Manager.Connect(ctx, cfg); err == nil {
			if err := client.Database().Drop(ctx); err != nil {
				t.Logf("Warning: failed to drop test database: %v", err)
			}
		}
		if err := tdb.Manager.CloseAll(ctx); err != nil {
			t.Logf("Warning: failed to close clients: %v", err)
		}
	})
	return tdb
}

// Options binds Register to this database.
func (tdb *testDB) Options() []odm.Option {
	return []odm.Option{odm.WithConfig(tdb.Config), odm.WithManager(tdb.Manager)}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// User is the main fixture model.
type User struct {
	odm.Model `bson:",inline"`
	Name      string   `bson:"name" validate:"required"`
	Email     string   `bson:"email" validate:"required,email"`
	Age       int      `bson:"age" validate:"gte=0"`
	Tags      []string `bson:"tags,omitempty"`
}

func (User) Meta() odm.Meta {
	return odm.Meta{
		Indexes: []odm.IndexSpec{{Key: []string{"email"}, Unique: true, Name: "email_unique"}},
	}
}

// BlogPost has no Meta and uses the derived collection name.
type BlogPost struct {
	odm.Model `bson:",inline"`
	Title     string `bson:"title" validate:"required"`
	Author    string `bson:"author"`
	Views     int    `bson:"views"`
}

// AuditEntry overrides the collection name and skips index creation.
type AuditEntry struct {
	odm.Model `bson:",inline"`
	Action    string `bson:"action"`
}

func (AuditEntry) Meta() odm.Meta {
	return odm.Meta{
		Collection:  "audit_log",
		NoAutoIndex: true,
		Indexes:     []odm.IndexSpec{{Key: []string{"action"}}},
	}
}

func sampleUsers() []*User {
	return []*User{
		{Name: "Ann", Email: "ann@example.com", Age: 17, Tags: []string{"new"}},
		{Name: "Bob", Email: "bob@example.com", Age: 30, Tags: []string{"admin", "ops"}},
		{Name: "Cy", Email: "cy@example.com", Age: 45},
		{Name: "Dee", Email: "dee@example.com", Age: 30},
	}
}
