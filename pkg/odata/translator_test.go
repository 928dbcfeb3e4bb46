/*
Copyright 2026 The Datagate Authors.

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

package odata_test

import (
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/datagate-io/datagate/pkg/odata"
)

var _ = Describe("ColumnMap", func() {
	It("parses aliased, identity and degenerate entries", func() {
		cm := odata.ParseColumns([]string{
			"ItemCode;ProductNumber",
			"Description",
			"Assortment;",
			"",
			"   ",
			";",
			"Field1;Field2;Field3",
		})
		Expect(cm.AliasToDB()).To(Equal(map[string]string{
			"ProductNumber": "ItemCode",
			"Description":   "Description",
			"Assortment":    "Assortment",
			"Field1":        "Field1",
		}))
	})

	It("keeps the two maps mutual inverses", func() {
		cm := odata.ParseColumns([]string{"ItemCode;ProductNumber", "Qty", "Status;State"})
		for _, db := range cm.DBColumns() {
			alias, ok := cm.Alias(db)
			Expect(ok).To(BeTrue())
			back, ok := cm.DBColumn(alias)
			Expect(ok).To(BeTrue())
			Expect(back).To(Equal(db))
		}
	})

	It("maps nothing for separator-only input", func() {
		for _, input := range []string{"", "   ", ";", ";;", " ; ", ";;;"} {
			cm := odata.ParseColumns([]string{input})
			Expect(cm.Len()).To(BeZero(), "input %q", input)
		}
	})

	It("drops entries that would break the bijection", func() {
		cm := odata.ParseColumns([]string{"ItemCode;Code", "ItemNumber;Code"})
		Expect(cm.Len()).To(Equal(1))
		db, _ := cm.DBColumn("Code")
		Expect(db).To(Equal("ItemCode"))
	})
})

var _ = Describe("alias rewriting", func() {
	var cm *odata.ColumnMap

	BeforeEach(func() {
		cm = odata.ParseColumns([]string{
			"ItemCode;ProductNumber",
			"Assortment;AssortmentID",
		})
	})

	It("rewrites filters including function arguments", func() {
		got := cm.RewriteAliases("contains(ProductNumber,'PROD') and (AssortmentID eq 'Electronics' or AssortmentID eq 'Books')")
		Expect(got).To(Equal("contains(ItemCode,'PROD') and (Assortment eq 'Electronics' or Assortment eq 'Books')"))
	})

	It("rewrites orderby lists preserving direction and spacing", func() {
		got := cm.RewriteColumnList("ProductNumber desc, AssortmentID asc")
		Expect(got).To(Equal("ItemCode desc, Assortment asc"))
	})

	It("only replaces whole words", func() {
		short := odata.ParseColumns([]string{"ItemCode;Code"})
		Expect(short.RewriteAliases("ProductCode eq 'X'")).To(Equal("ProductCode eq 'X'"))
	})

	It("never touches quoted literals", func() {
		got := cm.RewriteAliases("ProductNumber eq 'ProductNumber'")
		Expect(got).To(Equal("ItemCode eq 'ProductNumber'"))
	})

	It("honours the '' escape inside literals", func() {
		got := cm.RewriteAliases("ProductNumber eq 'O''ProductNumber'")
		Expect(got).To(Equal("ItemCode eq 'O''ProductNumber'"))
	})

	It("lists unknown identifiers ignoring keywords and literals", func() {
		unknown := cm.UnknownIdentifiers("Bogus eq 'ProductNumber' and ProductNumber eq 'x' or Wild gt 3")
		Expect(unknown).To(Equal([]string{"Bogus", "Wild"}))
	})
})

var _ = Describe("query parsing", func() {
	It("accepts both the $-prefixed and bare spellings", func() {
		values, _ := url.ParseQuery("$filter=a eq 1&top=5&skip=2&count=true")
		q, err := odata.ParseQuery(values)
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Filter).To(Equal("a eq 1"))
		Expect(q.Top).To(Equal(5))
		Expect(q.HasTop).To(BeTrue())
		Expect(q.Skip).To(Equal(2))
		Expect(q.Count).To(BeTrue())
	})

	It("rejects a negative or non-numeric $top", func() {
		for _, raw := range []string{"$top=-1", "$top=abc"} {
			values, _ := url.ParseQuery(raw)
			_, err := odata.ParseQuery(values)
			Expect(err).To(HaveOccurred())
		}
	})

	It("AND-combines a pinned key with the user filter", func() {
		Expect(odata.AndFilter("", "Id eq '7'")).To(Equal("Id eq '7'"))
		Expect(odata.AndFilter("Name eq 'x'", "Id eq '7'")).To(Equal("(Name eq 'x') and Id eq '7'"))
	})
})

var _ = Describe("Translator", func() {
	newTranslator := func() *odata.Translator {
		return &odata.Translator{
			Columns: odata.ParseColumns([]string{"ItemCode;ProductNumber", "ItemName;Name", "Qty"}),
			Schema:  "dbo",
			Table:   "Items",
		}
	}

	It("emits a bare select for the empty query", func() {
		stmt, err := newTranslator().Translate(odata.Query{})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items]"))
		Expect(stmt.Params).To(BeEmpty())
		Expect(stmt.CountSQL).To(BeEmpty())
	})

	It("parameterises string comparisons", func() {
		stmt, err := newTranslator().Translate(odata.Query{Filter: "ItemCode eq 'TEST001'"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items] WHERE [ItemCode] = @p0"))
		Expect(stmt.Params).To(Equal(map[string]any{"p0": "TEST001"}))
	})

	It("unescapes doubled quotes in string literals", func() {
		stmt, err := newTranslator().Translate(odata.Query{Filter: "Name eq 'O''Brien'"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items] WHERE [ItemName] = @p0"))
		Expect(stmt.Params).To(HaveKeyWithValue("p0", "O'Brien"))
	})

	It("translates the supported operators and boolean grammar", func() {
		stmt, err := newTranslator().Translate(odata.Query{
			Filter: "Qty gt 5 and (Name ne 'a' or not Qty le 2)",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal(
			"SELECT * FROM [dbo].[Items] WHERE [Qty] > @p0 AND ([ItemName] <> @p1 OR NOT ([Qty] <= @p2))"))
		Expect(stmt.Params).To(Equal(map[string]any{"p0": int64(5), "p1": "a", "p2": int64(2)}))
	})

	It("turns contains/startswith/endswith into escaped LIKE patterns", func() {
		stmt, err := newTranslator().Translate(odata.Query{Filter: "contains(ProductNumber,'100%')"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items] WHERE [ItemCode] LIKE @p0"))
		Expect(stmt.Params).To(HaveKeyWithValue("p0", "%100[%]%"))

		stmt, err = newTranslator().Translate(odata.Query{Filter: "startswith(Name,'Wi')"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.Params).To(HaveKeyWithValue("p0", "Wi%"))

		stmt, err = newTranslator().Translate(odata.Query{Filter: "endswith(Name,'et')"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.Params).To(HaveKeyWithValue("p0", "%et"))
	})

	It("maps null comparisons onto IS NULL", func() {
		stmt, err := newTranslator().Translate(odata.Query{Filter: "Name eq null"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items] WHERE [ItemName] IS NULL"))

		stmt, err = newTranslator().Translate(odata.Query{Filter: "Name ne null"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(ContainSubstring("IS NOT NULL"))
	})

	It("quotes the rewritten select list", func() {
		stmt, err := newTranslator().Translate(odata.Query{Select: "ProductNumber, Name"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT [ItemCode], [ItemName] FROM [dbo].[Items]"))
	})

	It("renders orderby with validated directions", func() {
		stmt, err := newTranslator().Translate(odata.Query{OrderBy: "ProductNumber desc, Name asc"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(Equal("SELECT * FROM [dbo].[Items] ORDER BY [ItemCode] DESC, [ItemName] ASC"))

		_, err = newTranslator().Translate(odata.Query{OrderBy: "Name sideways"})
		Expect(err).To(HaveOccurred())
	})

	Describe("paging", func() {
		It("synthesises an ordering from the primary key", func() {
			tr := newTranslator()
			tr.PrimaryKey = "ItemCode"
			stmt, err := tr.Translate(odata.Query{Top: 10, HasTop: true, Skip: 20, HasSkip: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(stmt.SQL).To(Equal(
				"SELECT * FROM [dbo].[Items] ORDER BY [ItemCode] OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY"))
		})

		It("falls back to a constant ordering without a primary key", func() {
			stmt, err := newTranslator().Translate(odata.Query{Skip: 5, HasSkip: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(stmt.SQL).To(Equal(
				"SELECT * FROM [dbo].[Items] ORDER BY (SELECT NULL) OFFSET 5 ROWS"))
		})

		It("clamps $top to the endpoint page size", func() {
			tr := newTranslator()
			tr.PageSize = 50
			stmt, err := tr.Translate(odata.Query{Top: 100, HasTop: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(stmt.Top).To(Equal(50))
			Expect(stmt.SQL).To(ContainSubstring("FETCH NEXT 50 ROWS ONLY"))
		})

		It("applies the page size when the client asks for no limit", func() {
			tr := newTranslator()
			tr.PageSize = 25
			stmt, err := tr.Translate(odata.Query{})
			Expect(err).NotTo(HaveOccurred())
			Expect(stmt.HasTop).To(BeTrue())
			Expect(stmt.SQL).To(ContainSubstring("OFFSET 0 ROWS FETCH NEXT 25 ROWS ONLY"))
		})
	})

	It("emits a count query that ignores paging", func() {
		tr := newTranslator()
		tr.PrimaryKey = "ItemCode"
		stmt, err := tr.Translate(odata.Query{
			Filter: "Qty gt 0", Count: true, Top: 10, HasTop: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.CountSQL).To(Equal("SELECT COUNT(*) FROM [dbo].[Items] WHERE [Qty] > @p0"))
		Expect(stmt.CountSQL).NotTo(ContainSubstring("OFFSET"))
	})

	It("rejects unknown columns in strict mode and lists them", func() {
		tr := newTranslator()
		tr.Strict = true
		_, err := tr.Translate(odata.Query{Filter: "Bogus eq 'x' and Wild eq 'y'"})
		var unknown *odata.ErrUnknownColumns
		Expect(err).To(BeAssignableToTypeOf(unknown))
		Expect(err.Error()).To(ContainSubstring("Bogus"))
		Expect(err.Error()).To(ContainSubstring("Wild"))
	})

	It("passes unknown identifiers through in lenient mode", func() {
		stmt, err := newTranslator().Translate(odata.Query{Filter: "Bogus eq 'x'"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stmt.SQL).To(ContainSubstring("[Bogus] = @p0"))
	})

	It("rejects malformed filters with a typed error", func() {
		for _, bad := range []string{
			"Name eq",
			"Name foo 'x'",
			"Name eq 'unterminated",
			"contains(Name)",
			"(Name eq 'x'",
			"Name eq 'x' garbage trailing",
		} {
			_, err := newTranslator().Translate(odata.Query{Filter: bad})
			var badFilter *odata.ErrBadFilter
			Expect(err).To(BeAssignableToTypeOf(badFilter), "filter %q", bad)
		}
	})
})

var _ = Describe("write statements", func() {
	It("builds a deterministic single-row insert", func() {
		stmt := odata.BuildInsert("dbo", "Items", map[string]any{"Qty": 3, "ItemCode": "X"})
		Expect(stmt.SQL).To(Equal("INSERT INTO [dbo].[Items] ([ItemCode], [Qty]) VALUES (@p0, @p1)"))
		Expect(stmt.Params).To(Equal(map[string]any{"p0": "X", "p1": 3}))
	})

	It("builds a keyed update", func() {
		stmt := odata.BuildUpdate("dbo", "Items", "ItemCode", "X", map[string]any{"Qty": 4})
		Expect(stmt.SQL).To(Equal("UPDATE [dbo].[Items] SET [Qty] = @p0 WHERE [ItemCode] = @p1"))
		Expect(stmt.Params).To(Equal(map[string]any{"p0": 4, "p1": "X"}))
	})

	It("builds a keyed delete", func() {
		stmt := odata.BuildDelete("dbo", "Items", "ItemCode", "X")
		Expect(stmt.SQL).To(Equal("DELETE FROM [dbo].[Items] WHERE [ItemCode] = @p0"))
		Expect(stmt.Params).To(Equal(map[string]any{"p0": "X"}))
	})
})
