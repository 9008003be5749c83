package database

import "testing"

func TestParseSource(t *testing.T) {
	tests := []struct {
		kind    string
		id      string
		want    Source
		wantErr bool
	}{
		{"post", "abc", PostSource("abc"), false},
		{"story", "s1", StorySource("s1"), false},
		{"reel", "abc", Source{}, true},
		{"post", "", Source{}, true},
		{"", "abc", Source{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.kind+"/"+tc.id, func(t *testing.T) {
			got, err := ParseSource(tc.kind, tc.id)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseSource(%q, %q) error = %v, wantErr %v", tc.kind, tc.id, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseSource(%q, %q) = %v, want %v", tc.kind, tc.id, got, tc.want)
			}
		})
	}
}

func TestSourceSignature(t *testing.T) {
	if got := PostSource("abc").Signature(2); got != "post:abc:2" {
		t.Errorf("Signature = %q, want %q", got, "post:abc:2")
	}
	if got := StorySource("s1").String(); got != "story:s1" {
		t.Errorf("String = %q, want %q", got, "story:s1")
	}
}

func TestRoleStates(t *testing.T) {
	tests := []struct {
		role     Role
		valid    bool
		terminal bool
	}{
		{RoleUnknown, true, false},
		{RolePrimaryUser, true, false},
		{RoleSecondaryPerson, true, false},
		{RoleMerged, true, true},
		{RoleIncorrect, true, true},
		{Role("owner"), false, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			if got := tc.role.Valid(); got != tc.valid {
				t.Errorf("Valid() = %v, want %v", got, tc.valid)
			}
			if got := tc.role.Terminal(); got != tc.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tc.terminal)
			}
		})
	}
}

func TestPersonPredicates(t *testing.T) {
	emb := []float32{1, 0}
	tests := []struct {
		name      string
		person    Person
		active    bool
		matchable bool
		confirmed bool
	}{
		{"new", Person{Role: RoleUnknown, CanonicalEmbedding: emb}, true, true, false},
		{"no embedding", Person{Role: RoleSecondaryPerson}, true, false, false},
		{"merged", Person{Role: RoleMerged, CanonicalEmbedding: emb}, false, false, false},
		{"incorrect status", Person{Role: RoleUnknown, RealPersonStatus: StatusIncorrect, CanonicalEmbedding: emb}, false, false, false},
		{"confirmed owner", Person{Role: RolePrimaryUser, RealPersonStatus: StatusConfirmedRealPerson, CanonicalEmbedding: emb}, true, true, true},
		{"confirmed companion", Person{Role: RoleSecondaryPerson, RealPersonStatus: StatusConfirmedRealPerson}, true, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.person.Active(); got != tc.active {
				t.Errorf("Active() = %v, want %v", got, tc.active)
			}
			if got := tc.person.Matchable(); got != tc.matchable {
				t.Errorf("Matchable() = %v, want %v", got, tc.matchable)
			}
			if got := tc.person.ConfirmedOwner(); got != tc.confirmed {
				t.Errorf("ConfirmedOwner() = %v, want %v", got, tc.confirmed)
			}
		})
	}
}

func TestPersonClone(t *testing.T) {
	p := &Person{
		ID:                 "a",
		CanonicalEmbedding: []float32{1, 0},
		Signatures:         []string{"post:x:0"},
		Metadata:           map[string]any{"k": "v"},
	}
	c := p.Clone()
	c.CanonicalEmbedding[0] = 0
	c.Signatures[0] = "changed"
	c.Metadata["k"] = "changed"

	if p.CanonicalEmbedding[0] != 1 || p.Signatures[0] != "post:x:0" || p.Metadata["k"] != "v" {
		t.Errorf("Clone shares state with original: %+v", p)
	}
	if !p.HasSignature("post:x:0") || p.HasSignature("changed") {
		t.Errorf("HasSignature mismatch on %v", p.Signatures)
	}
}
