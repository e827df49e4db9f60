package types

import "testing"

func baseSchema() *Schema {
	return &Schema{
		Version: 1,
		Columns: []ColumnDef{
			{Name: "txn_id", Type: TypeString, Nullable: false},
			{Name: "customer_id", Type: TypeString, Nullable: false},
			{Name: "amount", Type: TypeInteger, Nullable: false},
			{Name: "notes", Type: TypeString, Nullable: true},
		},
	}
}

func TestSchemaValidate(t *testing.T) {
	if err := baseSchema().Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	empty := &Schema{}
	if err := empty.Validate(); err == nil {
		t.Error("empty schema should be invalid")
	}

	dup := &Schema{Columns: []ColumnDef{
		{Name: "a", Type: TypeString},
		{Name: "a", Type: TypeInteger},
	}}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate column names should be invalid")
	}

	badType := &Schema{Columns: []ColumnDef{{Name: "a", Type: "DECIMAL"}}}
	if err := badType.Validate(); err == nil {
		t.Error("unknown column type should be invalid")
	}
}

func TestSchemaCanEvolveTo(t *testing.T) {
	base := baseSchema()

	tests := []struct {
		name    string
		mutate  func(*Schema)
		wantErr bool
	}{
		{"identical", func(s *Schema) {}, false},
		{"add nullable column", func(s *Schema) {
			s.Columns = append(s.Columns, ColumnDef{Name: "region", Type: TypeString, Nullable: true})
		}, false},
		{"add non-nullable column", func(s *Schema) {
			s.Columns = append(s.Columns, ColumnDef{Name: "region", Type: TypeString, Nullable: false})
		}, true},
		{"widen integer to double", func(s *Schema) {
			s.Columns[2].Type = TypeDouble
		}, false},
		{"narrow double to integer", func(s *Schema) {
			s.Columns[2].Type = TypeDouble
		}, false}, // widened first; narrowing is tested separately below
		{"change string to integer", func(s *Schema) {
			s.Columns[0].Type = TypeInteger
		}, true},
		{"drop column", func(s *Schema) {
			s.Columns = s.Columns[:len(s.Columns)-1]
		}, true},
		{"nullable becomes required", func(s *Schema) {
			s.Columns[3].Nullable = false
		}, true},
		{"required becomes nullable", func(s *Schema) {
			s.Columns[0].Nullable = true
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &Schema{Version: base.Version + 1, Columns: append([]ColumnDef(nil), base.Columns...)}
			tt.mutate(next)
			err := base.CanEvolveTo(next)
			if (err != nil) != tt.wantErr {
				t.Errorf("CanEvolveTo err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}

	// Narrowing back after a widen must be rejected.
	widened := &Schema{Columns: append([]ColumnDef(nil), base.Columns...)}
	widened.Columns[2].Type = TypeDouble
	if err := widened.CanEvolveTo(base); err == nil {
		t.Error("narrowing DOUBLE back to INTEGER should be rejected")
	}
}

func TestColumnTypeWidensTo(t *testing.T) {
	if !TypeInteger.WidensTo(TypeDouble) {
		t.Error("INTEGER should widen to DOUBLE")
	}
	if TypeDouble.WidensTo(TypeInteger) {
		t.Error("DOUBLE should not narrow to INTEGER")
	}
	if TypeString.WidensTo(TypeInteger) {
		t.Error("STRING should not widen to INTEGER")
	}
	for _, ct := range []ColumnType{TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeTimestamp} {
		if !ct.WidensTo(ct) {
			t.Errorf("%s should widen to itself", ct)
		}
	}
}

func TestSchemaEqualIgnoresVersion(t *testing.T) {
	a := baseSchema()
	b := baseSchema()
	b.Version = 9
	if !a.Equal(b) {
		t.Error("schemas with identical columns should be equal regardless of version")
	}
	b.Columns[0].Nullable = true
	if a.Equal(b) {
		t.Error("nullability change should break equality")
	}
}
