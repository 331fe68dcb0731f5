package odm_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/modern-odm"
)

func setupUsers(t *testing.T) (*odm.Collection[User, *User], []*User) {
	t.Helper()
	tdb := newTestDB(t)
	users, err := odm.Register[User](testContext(t), tdb.Options()...)
	require.NoError(t, err)

	docs := sampleUsers()
	require.NoError(t, users.BulkCreate(testContext(t), docs))
	return users, docs
}

func TestRegisterResolvesMetadata(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)

	users, err := odm.Register[User](ctx, tdb.Options()...)
	require.NoError(t, err)
	assert.Equal(t, "user", users.Name())
	assert.True(t, users.Metadata().AutoIndex)
	assert.Equal(t, "_id", users.Metadata().IDField)

	posts, err := odm.Register[BlogPost](ctx, tdb.Options()...)
	require.NoError(t, err)
	assert.Equal(t, "blog_post", posts.Name())

	audit, err := odm.Register[AuditEntry](ctx, tdb.Options()...)
	require.NoError(t, err)
	assert.Equal(t, "audit_log", audit.Name())
	assert.False(t, audit.Metadata().AutoIndex)
}

func TestRegisterReusesClient(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)

	first, err := odm.Register[User](ctx, tdb.Options()...)
	require.NoError(t, err)
	second, err := odm.Register[BlogPost](ctx, tdb.Options()...)
	require.NoError(t, err)

	assert.Same(t, first.Client(), second.Client())
	assert.Equal(t, 1, tdb.Manager.Len())

	found, err := odm.For[User]()
	require.NoError(t, err)
	assert.Same(t, first.Client(), found.Client())
}

func TestClientPingAndBuildInfo(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)

	client, err := tdb.Manager.Connect(ctx, tdb.Config)
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx))
	assert.Equal(t, tdb.Config, client.Config())

	info, err := client.BuildInfo(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Version)
	assert.True(t, info.VersionAtLeast(3))
}

func TestCreateAndFilter(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	adults, err := users.Filter(odm.Q{"age__gte": 18, "age__lt": 40}).Sort("name").All(ctx)
	require.NoError(t, err)
	require.Len(t, adults, 2)
	assert.Equal(t, "Bob", adults[0].Name)
	assert.Equal(t, "Dee", adults[1].Name)

	minors, err := users.Filter(odm.Q{"age__lt": 18}).All(ctx)
	require.NoError(t, err)
	require.Len(t, minors, 1)
	assert.Equal(t, "Ann", minors[0].Name)

	tagged, err := users.Filter(odm.Q{"tags__in": []string{"ops"}}).All(ctx)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "Bob", tagged[0].Name)

	either, err := users.Filter(odm.Q{"$or": []odm.Q{{"name": "Ann"}, {"age__gt": 40}}}).Sort("-age").All(ctx)
	require.NoError(t, err)
	require.Len(t, either, 2)
	assert.Equal(t, "Cy", either[0].Name)
}

func TestSingleMinor(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)
	users, err := odm.Register[User](ctx, tdb.Options()...)
	require.NoError(t, err)
	require.NoError(t, users.Create(ctx, &User{Name: "Ann", Email: "ann@example.com", Age: 17}))

	n, err := users.Count(ctx, odm.Q{"age__gte": 18})
	require.NoError(t, err)
	assert.Zero(t, n)

	minors, err := users.Filter(odm.Q{"age__lt": 18}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, minors, 1)
}

func TestCreateAssignsIdentity(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	for _, doc := range docs {
		assert.False(t, doc.IsNew())
		assert.False(t, doc.CreatedAt.IsZero())
		assert.Equal(t, doc.CreatedAt, doc.UpdatedAt)
	}

	stored, err := users.GetByID(ctx, docs[0].ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, docs[0].ID, stored.ID)
	assert.True(t, docs[0].CreatedAt.Equal(stored.CreatedAt))
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	dup := &User{Name: "Ann again", Email: "ann@example.com", Age: 20}
	err := users.Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, odm.ErrDuplicateKey), "got %v", err)
	assert.True(t, dup.IsNew(), "failed create must not leave an identity behind")
	assert.True(t, dup.CreatedAt.IsZero())

	n, err := users.Count(ctx, odm.Q{"email": "ann@example.com"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCreateValidates(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	bad := &User{Name: "", Email: "not-an-email"}
	err := users.Create(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, odm.ErrValidation))
	assert.True(t, bad.IsNew())

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(docs), n)
}

func TestBulkCreateValidatesFirst(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)
	users, err := odm.Register[User](ctx, tdb.Options()...)
	require.NoError(t, err)

	batch := []*User{
		{Name: "Ok", Email: "ok@example.com"},
		{Name: "Broken"},
	}
	err = users.BulkCreate(ctx, batch)
	assert.True(t, errors.Is(err, odm.ErrValidation))

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, batch[0].IsNew())
}

func TestBulkCreateStopsAtDuplicate(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	batch := []*User{
		{Name: "Eve", Email: "eve@example.com"},
		{Name: "Bob twin", Email: "bob@example.com"},
		{Name: "Fay", Email: "fay@example.com"},
	}
	err := users.BulkCreate(ctx, batch)
	assert.True(t, errors.Is(err, odm.ErrDuplicateKey), "got %v", err)
	assert.False(t, batch[0].IsNew())
	assert.True(t, batch[1].IsNew())
	assert.True(t, batch[2].IsNew())

	n, err := users.Count(ctx, odm.Q{"email__in": []string{"eve@example.com", "fay@example.com"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCreateFrom(t *testing.T) {
	tdb := newTestDB(t)
	ctx := testContext(t)
	users, err := odm.Register[User](ctx, tdb.Options()...)
	require.NoError(t, err)

	u, err := users.CreateFrom(ctx, map[string]interface{}{"name": "Gus", "email": "gus@example.com", "age": 51})
	require.NoError(t, err)
	assert.False(t, u.IsNew())
	assert.Equal(t, 51, u.Age)

	_, err = users.CreateFrom(ctx, map[string]interface{}{"name": "Gus", "email": "gus2@example.com", "shoe_size": 44})
	assert.True(t, errors.Is(err, odm.ErrValidation))

	rows := []map[string]interface{}{
		{"name": "Hal", "email": "hal@example.com"},
		{"name": "Ida", "email": "ida@example.com"},
	}
	created, err := users.BulkCreateFrom(ctx, rows)
	require.NoError(t, err)
	require.Len(t, created, 2)

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestCountMatchesAll(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	for _, q := range []odm.Q{nil, {"age": 30}, {"age__gt": 100}, {"name__regex": "^[AB]"}} {
		all, err := users.Filter(q).All(ctx)
		require.NoError(t, err)
		n, err := users.Count(ctx, q)
		require.NoError(t, err)
		assert.EqualValues(t, len(all), n, "filter %v", q)
	}

	n, err := users.All().Skip(1).Limit(2).Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestSaveKeepsIdentity(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	u := docs[1]
	id, created, updated := u.ID, u.CreatedAt, u.UpdatedAt

	u.Age = 31
	require.NoError(t, users.Save(ctx, u))
	assert.Equal(t, id, u.ID)
	assert.Equal(t, created, u.CreatedAt)
	assert.False(t, u.UpdatedAt.Before(updated))

	second := u.UpdatedAt
	require.NoError(t, users.Save(ctx, u))
	assert.Equal(t, id, u.ID)
	assert.False(t, u.UpdatedAt.Before(second))

	stored, err := users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 31, stored.Age)

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(docs), n)
}

func TestSaveInsertsNew(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	u := &User{Name: "Jo", Email: "jo@example.com", Age: 22}
	require.NoError(t, users.Save(ctx, u))
	assert.False(t, u.IsNew())

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(docs)+1, n)
}

func TestGetMissingReturnsNil(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	u, err := users.Get(ctx, odm.Q{"name": "Nobody"})
	require.NoError(t, err)
	assert.Nil(t, u)

	u, err = users.Get(ctx, odm.Q{"name": "Cy"})
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 45, u.Age)

	_, err = users.Get(ctx, odm.Q{"name__like": "C%"})
	assert.True(t, errors.Is(err, odm.ErrInvalidQuery))
}

func TestQueryOne(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	oldest, err := users.All().Sort("-age").One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Cy", oldest.Name)

	_, err = users.Filter(odm.Q{"age__gt": 99}).One(ctx)
	assert.True(t, errors.Is(err, odm.ErrNotFound))
}

func TestQuerySelect(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	u, err := users.Filter(odm.Q{"name": "Bob"}).Select("name").One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
	assert.Empty(t, u.Email)
	assert.False(t, u.IsNew())
}

func TestQueryPaging(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	page, err := users.All().Sort("name").Skip(1).Limit(2).All(ctx)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Bob", page[0].Name)
	assert.Equal(t, "Cy", page[1].Name)
}

func TestSeqRestarts(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	seq := users.All().Sort("name").Seq(ctx)
	for round := 0; round < 2; round++ {
		var names []string
		for u, err := range seq {
			require.NoError(t, err)
			names = append(names, u.Name)
		}
		assert.Len(t, names, len(docs), "round %d", round)
	}

	for u, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "Ann", u.Name)
		break
	}
}

func TestCursorIteration(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	cursor, err := users.All().Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, odm.CursorOpen, cursor.State())

	seen := 0
	for cursor.Next(ctx) {
		seen++
		assert.NotNil(t, cursor.Doc())
	}
	require.NoError(t, cursor.Err())
	assert.Equal(t, len(docs), seen)
	assert.Equal(t, odm.CursorExhausted, cursor.State())
	assert.NoError(t, cursor.Close(ctx))
}

func TestReload(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	u := docs[0]
	_, err := users.UpdateMany(ctx, odm.Q{"_id": u.ID}, bson.M{"age": 18})
	require.NoError(t, err)

	require.NoError(t, users.Reload(ctx, u))
	assert.Equal(t, 18, u.Age)

	n, err := users.Delete(ctx, u)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	err = users.Reload(ctx, u)
	assert.True(t, errors.Is(err, odm.ErrNotFound), "got %v", err)
}

func TestUpdateMany(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)
	before := time.Now().UTC().Add(-time.Second)

	info, err := users.UpdateMany(ctx, odm.Q{"age": 30}, bson.M{"$inc": bson.M{"age": 1}})
	require.NoError(t, err)
	assert.Equal(t, 2, info.Matched)
	assert.Equal(t, 2, info.Updated)

	bumped, err := users.Filter(odm.Q{"age": 31}).All(ctx)
	require.NoError(t, err)
	require.Len(t, bumped, 2)
	for _, u := range bumped {
		assert.True(t, u.UpdatedAt.After(before))
	}

	info, err = users.UpdateMany(ctx, odm.Q{"name": "Cy"}, bson.M{"email": "cy@new.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Updated)
}

func TestDelete(t *testing.T) {
	users, docs := setupUsers(t)
	ctx := testContext(t)

	n, err := users.Delete(ctx, &User{Name: "unsaved"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = users.DeleteOne(ctx, odm.Q{"age": 30})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = users.DeleteMany(ctx, odm.Q{"age__gte": 18})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	remaining, err := users.Count(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, len(docs)-3, remaining)

	n, err = users.DeleteMany(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, remaining, n)
}

func TestDistinct(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	ages, err := users.Distinct(ctx, "age", odm.Q{"age__gte": 18})
	require.NoError(t, err)
	assert.ElementsMatch(t, []interface{}{int64(30), int64(45)}, normalizeInts(ages))
}

func TestAggregate(t *testing.T) {
	users, _ := setupUsers(t)
	ctx := testContext(t)

	out, err := users.Aggregate(ctx, bson.A{
		bson.M{"$group": bson.M{"_id": "$age", "n": bson.M{"$sum": 1}}},
		bson.M{"$sort": bson.M{"_id": 1}},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.EqualValues(t, 17, out[0]["_id"])
	assert.EqualValues(t, 2, out[1]["n"])

	var total struct {
		Sum int `bson:"sum"`
	}
	err = users.Pipe(bson.A{bson.M{"$group": bson.M{"_id": nil, "sum": bson.M{"$sum": "$age"}}}}).
		AllowDiskUse().
		SetMaxTime(5 * time.Second).
		One(ctx, &total)
	require.NoError(t, err)
	assert.Equal(t, 17+30+45+30, total.Sum)

	err = users.Pipe(bson.A{bson.M{"$match": bson.M{"age": -1}}}).One(ctx, &total)
	assert.True(t, errors.Is(err, odm.ErrNotFound))
}

func TestUninitializedCollection(t *testing.T) {
	ctx := testContext(t)

	var users odm.Collection[User, *User]
	_, err := users.Get(ctx, nil)
	assert.True(t, errors.Is(err, odm.ErrNotInitialized))
	_, err = users.All().All(ctx)
	assert.True(t, errors.Is(err, odm.ErrNotInitialized))
	assert.True(t, errors.Is(users.Create(ctx, &User{Name: "a", Email: "a@example.com"}), odm.ErrNotInitialized))
	_, err = users.Bulk().Run(ctx)
	assert.True(t, errors.Is(err, odm.ErrNotInitialized))

	var nilUsers *odm.Collection[User, *User]
	_, err = nilUsers.Count(ctx, nil)
	assert.True(t, errors.Is(err, odm.ErrNotInitialized))
}

type neverRegistered struct {
	odm.Model `bson:",inline"`
}

func TestForUnregistered(t *testing.T) {
	_, err := odm.For[neverRegistered]()
	assert.True(t, errors.Is(err, odm.ErrNotInitialized))
}

// normalizeInts widens the integer types the server may return.
func normalizeInts(values []interface{}) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		switch n := v.(type) {
		case int32:
			out[i] = int64(n)
		default:
			out[i] = v
		}
	}
	return out
}
