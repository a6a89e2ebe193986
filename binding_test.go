package kvbind

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/tuple"
)

type (
	Book struct {
		ISBN   string `json:"-" bson:"-" msgpack:"-"`
		Title  string `json:"title" bson:"title" msgpack:"title"`
		Pages  int    `json:"pages" bson:"pages" msgpack:"pages"`
		Author string `json:"author" bson:"author" msgpack:"author"`
	}
	BookData struct {
		Title  string `json:"title" bson:"title" msgpack:"title"`
		Pages  int    `json:"pages" bson:"pages" msgpack:"pages"`
		Author string `json:"author" bson:"author" msgpack:"author"`
	}
	Version struct {
		Major, Minor uint16
	}
)

var bookEntities = &CompositeEntityBinding[string, BookData, Book]{
	Keys:   stringKeys,
	Values: SerialBinding[BookData]{},
	Combine: func(isbn string, d BookData) Book {
		return Book{ISBN: isbn, Title: d.Title, Pages: d.Pages, Author: d.Author}
	},
	Split: func(b Book) (string, BookData) {
		return b.ISBN, BookData{Title: b.Title, Pages: b.Pages, Author: b.Author}
	},
}

func TestEncodedBindings(t *testing.T) {
	v := BookData{Title: "Dune", Pages: 412, Author: "Herbert"}
	tests := []struct {
		name string
		b    DataBinding[BookData]
	}{
		{"msgpack", MsgPackBinding[BookData]()},
		{"json", JSONBinding[BookData]()},
		{"bson", BSONBinding[BookData]()},
		{"serial", SerialBinding[BookData]{}},
	}
	_, db := setupRaw(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db.Write(func(tx *Tx) {
				prefix := []byte("prefix")
				data := must(tt.b.ObjectToEntry(tx, v, prefix))
				if !bytes.HasPrefix(data, []byte("prefix")) {
					t.Fatalf("** ObjectToEntry did not append to buf: %x", data)
				}
				deepEqual(t, must(tt.b.EntryToObject(tx, data[len(prefix):])), v)

				_, err := tt.b.EntryToObject(tx, []byte{0xc1, 0xff})
				var se *SerializationError
				if !errors.As(err, &se) {
					t.Errorf("** EntryToObject(garbage) err = %v, wanted SerializationError", err)
				}
			})
		})
	}
}

func TestTupleBindingsAreOrdered(t *testing.T) {
	b := TupleBinding[Version]{}
	versions := []Version{{0, 9}, {1, 0}, {1, 2}, {1, 10}, {2, 0}}
	var prev []byte
	for _, v := range versions {
		data := must(b.ObjectToEntry(nil, v, nil))
		if prev != nil && bytes.Compare(prev, data) >= 0 {
			t.Errorf("** %v does not sort after the previous version: %x vs %x", v, data, prev)
		}
		deepEqual(t, must(b.EntryToObject(nil, data)), v)
		prev = data
	}

	_, err := stringKeys.ObjectToEntry(nil, "a\x00b", nil)
	if err == nil {
		t.Errorf("** ObjectToEntry(zero byte) err = nil, wanted error")
	}
}

func TestTupleFuncs(t *testing.T) {
	b := TupleFuncs[Version]{
		Encode: func(out *tuple.Output, v Version) {
			out.WriteUint16(v.Major)
			out.WriteUint16(v.Minor)
		},
		Decode: func(in *tuple.Input) Version {
			return Version{in.ReadUint16(), in.ReadUint16()}
		},
	}
	data := must(b.ObjectToEntry(nil, Version{3, 4}, nil))
	deepEqual(t, data, must(TupleBinding[Version]{}.ObjectToEntry(nil, Version{3, 4}, nil)))
	deepEqual(t, must(b.EntryToObject(nil, data)), Version{3, 4})

	_, err := b.EntryToObject(nil, append(data, 1))
	if !errors.Is(err, tuple.ErrTrailingData) {
		t.Errorf("** trailing data: err = %v, wanted ErrTrailingData", err)
	}
	_, err = b.EntryToObject(nil, data[:3])
	var se *SerializationError
	if !errors.As(err, &se) {
		t.Errorf("** truncated: err = %v, wanted SerializationError", err)
	}
}

func TestRawBindingCopies(t *testing.T) {
	src := []byte("abc")
	got := must(RawBinding{}.EntryToObject(nil, src))
	src[0] = 'x'
	deepEqual(t, got, []byte("abc"))
	deepEqual(t, must(RawBinding{}.ObjectToEntry(nil, []byte("def"), []byte("abc"))), []byte("abcdef"))
}

func TestEntityMap(t *testing.T) {
	scm := NewSchema()
	books := AddStore(scm, "books")
	byAuthor := AddIndex(books, "byAuthor", &FieldExtractor[BookData, string]{
		Values: SerialBinding[BookData]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *BookData) (string, bool) { return v.Author, v.Author != "" },
	})
	m := &EntityMap[string, Book]{books, stringKeys, bookEntities}
	db := setup(t, scm)

	dune := Book{ISBN: "0441013597", Title: "Dune", Pages: 412, Author: "Herbert"}
	messiah := Book{ISBN: "0441172695", Title: "Dune Messiah", Pages: 256, Author: "Herbert"}
	foundation := Book{ISBN: "0553293354", Title: "Foundation", Pages: 255, Author: "Asimov"}

	db.Write(func(tx *Tx) {
		ensure(m.Put(tx, dune))
		ensure(m.Insert(tx, messiah))
		ensure(m.Put(tx, foundation))
		if err := m.Insert(tx, dune); !errors.Is(err, ErrKeyExists) {
			t.Errorf("** Insert(existing) err = %v, wanted ErrKeyExists", err)
		}
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(m.Get(tx, "0441172695")), messiah)
		deepEqual(t, must(m.All(tx)), []Book{dune, messiah, foundation})

		var keys []Book
		c := m.Cursor(tx, RawOO())
		for c.Next() {
			keys = append(keys, must(c.KeyEntity()))
		}
		ensure(c.Err())
		deepEqual(t, keys, []Book{{ISBN: dune.ISBN}, {ISBN: messiah.ISBN}, {ISBN: foundation.ISBN}})

		deepEqual(t, must(m.Join(tx, RawCond(byAuthor, encodeString("Herbert")))), []Book{dune, messiah})
		deepEqual(t, must(KeyOnly[Book](tx, bookEntities, encodeString("x"))), Book{ISBN: "x"})
	})

	db.Write(func(tx *Tx) {
		deepEqual(t, must(m.Delete(tx, dune.ISBN)), true)
	})
	db.Read(func(tx *Tx) {
		_, err := m.Get(tx, dune.ISBN)
		if !IsNotFound(err) {
			t.Errorf("** Get(deleted) err = %v, wanted ErrNotFound", err)
		}
		checkIndexes(t, tx, scm)
	})
}

func TestMapCursorAndRange(t *testing.T) {
	scm := NewSchema()
	nums := AddStore(scm, "nums")
	m := &Map[uint32, string]{nums, TupleBinding[uint32]{}, JSONBinding[string]()}
	db := setup(t, scm)

	db.Write(func(tx *Tx) {
		for _, n := range []uint32{5, 1, 300, 20, 4} {
			ensure(m.Put(tx, n, "v"+string(rune('a'+n%26))))
		}
	})
	db.Read(func(tx *Tx) {
		var got []uint32
		c := m.Range(tx, 4, 20)
		for c.Next() {
			got = append(got, must(c.Key()))
		}
		ensure(c.Err())
		deepEqual(t, got, []uint32{4, 5})

		entries := must(m.Cursor(tx, RawOO().Reversed()).Entries())
		var keys []uint32
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
		deepEqual(t, keys, []uint32{300, 20, 5, 4, 1})
		deepEqual(t, entries[0].Value, "v"+string(rune('a'+300%26)))

		c = m.Cursor(tx, RawOO())
		if !c.Next() {
			t.Fatalf("** Next() = false")
		}
		deepEqual(t, c.RawKey(), must(TupleBinding[uint32]{}.ObjectToEntry(tx, 1, nil)))
		deepEqual(t, must(c.Value()), "vb")
		deepEqual(t, must(c.Entry()), MapEntry[uint32, string]{1, "vb"})
	})
}

func TestKeyAssigners(t *testing.T) {
	scm := NewSchema()
	seq := AddStore(scm, "seq", WithKeyAssigner(SequenceKeys{}))
	ids := AddStore(scm, "ids", WithKeyAssigner(UUIDKeys{}))
	plain := AddStore(scm, "plain")
	db := setup(t, scm)

	seqMap := &Map[uint64, string]{seq, TupleBinding[uint64]{}, MsgPackBinding[string]()}
	idMap := &Map[uuid.UUID, string]{ids, TupleBinding[uuid.UUID]{}, MsgPackBinding[string]()}

	var u1, u2 uuid.UUID
	db.Write(func(tx *Tx) {
		deepEqual(t, must(seqMap.Append(tx, "a")), uint64(1))
		deepEqual(t, must(seqMap.Append(tx, "b")), uint64(2))
		u1 = must(idMap.Append(tx, "x"))
		u2 = must(idMap.Append(tx, "y"))

		_, err := tx.Append(plain, []byte("v"))
		if err == nil {
			t.Errorf("** Append without key assigner err = nil, wanted error")
		}
	})
	if u1 == u2 || u1.Version() != 7 {
		t.Errorf("** got UUIDs %v and %v, wanted two distinct v7 UUIDs", u1, u2)
	}

	db.Read(func(tx *Tx) {
		deepEqual(t, must(seqMap.All(tx)), []MapEntry[uint64, string]{{1, "a"}, {2, "b"}})
		deepEqual(t, must(idMap.Get(tx, u2)), "y")
		deepEqual(t, must(idMap.Count(tx)), 2)
	})

	// deleted sequence numbers are not reused
	db.Write(func(tx *Tx) {
		deepEqual(t, must(seqMap.Delete(tx, 2)), true)
		deepEqual(t, must(seqMap.Append(tx, "c")), uint64(3))
	})
}

func TestEntryValueIsMemoized(t *testing.T) {
	_, db := setupRaw(t)
	db.Write(func(tx *Tx) {
		data := must(SerialBinding[BookData]{}.ObjectToEntry(tx, BookData{Title: "Dune"}, nil))
		e := NewEntry([]byte("k"), data)
		v1 := must(EntryValue[BookData](tx, e, SerialBinding[BookData]{}))
		deepEqual(t, v1.Title, "Dune")

		e.SetValue(must(SerialBinding[BookData]{}.ObjectToEntry(tx, BookData{Title: "Emma"}, nil)))
		v2 := must(EntryValue[BookData](tx, e, SerialBinding[BookData]{}))
		deepEqual(t, v2.Title, "Emma")

		if v3, err := EntryValue[BookData](tx, e, MsgPackBinding[BookData]()); err == nil && v3.Title == "Emma" {
			t.Errorf("** EntryValue reused a value decoded by another binding type")
		}
	})
}

func TestEntryValueDistinguishesBindingsOfOneType(t *testing.T) {
	plain := TupleFuncs[string]{
		Encode: func(out *tuple.Output, v string) { out.WriteString(v) },
		Decode: func(in *tuple.Input) string { return in.ReadString() },
	}
	upper := TupleFuncs[string]{
		Encode: plain.Encode,
		Decode: func(in *tuple.Input) string { return "UPPER:" + in.ReadString() },
	}
	e := NewEntry([]byte("k"), must(tuple.AppendString(nil, "abc")))
	deepEqual(t, must(EntryValue[string](nil, e, plain)), "abc")
	deepEqual(t, must(EntryValue[string](nil, e, upper)), "UPPER:abc")
	deepEqual(t, must(EntryValue[string](nil, e, plain)), "abc")

	// comparable bindings of one type are told apart by value
	type prefixed struct{ DataBinding[string] }
	a, b := &prefixed{plain}, &prefixed{upper}
	deepEqual(t, must(EntryValue[string](nil, e, a)), "abc")
	deepEqual(t, must(EntryValue[string](nil, e, b)), "UPPER:abc")
}
