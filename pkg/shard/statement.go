package shard

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/meterflow/meterflow/pkg/models"
)

// WriteGroup is a set of buffered writes that flush as one batched
// statement: same table, same operation, same column signature.
type WriteGroup struct {
	Table  string
	Op     models.Operation
	Writes []*models.BufferedWrite
}

// GroupWrites partitions a flush batch into statement groups, preserving
// arrival order within each group.
func GroupWrites(writes []*models.BufferedWrite) []*WriteGroup {
	var groups []*WriteGroup
	index := make(map[string]*WriteGroup)

	for _, w := range writes {
		key := w.Table + "\x00" + string(w.Op) + "\x00" + columnSignature(w.Payload)
		g, ok := index[key]
		if !ok {
			g = &WriteGroup{Table: w.Table, Op: w.Op}
			index[key] = g
			groups = append(groups, g)
		}
		g.Writes = append(g.Writes, w)
	}
	return groups
}

// columns returns the payload's column names in stable sorted order.
func columns(payload map[string]interface{}) []string {
	cols := make([]string, 0, len(payload))
	for k := range payload {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func columnSignature(payload map[string]interface{}) string {
	return strings.Join(columns(payload), ",")
}

// buildInsert builds one multi-row INSERT for the group.
func buildInsert(g *WriteGroup) (string, []interface{}) {
	cols := columns(g.Writes[0].Payload)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgx.Identifier{g.Table}.Sanitize())
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgx.Identifier{c}.Sanitize())
	}
	sb.WriteString(") VALUES ")

	args := make([]interface{}, 0, len(g.Writes)*len(cols))
	n := 1
	for i, w := range g.Writes {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, c := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			args = append(args, w.Payload[c])
			n++
		}
		sb.WriteByte(')')
	}

	return sb.String(), args
}

// buildUpsert builds a multi-row INSERT with ON CONFLICT on the stable
// record key, so replaying an already-flushed batch updates rather than
// duplicates.
func buildUpsert(g *WriteGroup) (string, []interface{}) {
	sql, args := buildInsert(g)

	var sb strings.Builder
	sb.WriteString(sql)
	sb.WriteString(" ON CONFLICT (id) DO UPDATE SET ")

	first := true
	for _, c := range columns(g.Writes[0].Payload) {
		if c == "id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		ident := pgx.Identifier{c}.Sanitize()
		sb.WriteString(ident)
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(ident)
	}

	return sb.String(), args
}

// buildUpdate builds one single-row UPDATE keyed by record and tenant.
// Returns an empty statement when the payload carries no columns beyond
// the record key; there is nothing to set.
func buildUpdate(w *models.BufferedWrite) (string, []interface{}) {
	assignable := 0
	for c := range w.Payload {
		if c != "id" {
			assignable++
		}
	}
	if assignable == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(pgx.Identifier{w.Table}.Sanitize())
	sb.WriteString(" SET ")

	args := make([]interface{}, 0, len(w.Payload)+2)
	n := 1
	first := true
	for _, c := range columns(w.Payload) {
		if c == "id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(pgx.Identifier{c}.Sanitize())
		sb.WriteString(" = $")
		sb.WriteString(strconv.Itoa(n))
		args = append(args, w.Payload[c])
		n++
	}

	sb.WriteString(" WHERE id = $")
	sb.WriteString(strconv.Itoa(n))
	args = append(args, w.RecordID)
	n++
	sb.WriteString(" AND tenant_id = $")
	sb.WriteString(strconv.Itoa(n))
	args = append(args, w.TenantID)

	return sb.String(), args
}

// buildDelete builds one DELETE covering every record in the group,
// tenant-scoped like the other statements so a record ID can never
// cross tenants.
func buildDelete(g *WriteGroup) (string, []interface{}) {
	var tenants []string
	byTenant := make(map[string][]string)
	for _, w := range g.Writes {
		if _, ok := byTenant[w.TenantID]; !ok {
			tenants = append(tenants, w.TenantID)
		}
		byTenant[w.TenantID] = append(byTenant[w.TenantID], w.RecordID)
	}

	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(pgx.Identifier{g.Table}.Sanitize())
	sb.WriteString(" WHERE ")

	args := make([]interface{}, 0, len(tenants)*2)
	n := 1
	for i, tenant := range tenants {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(tenant_id = $")
		sb.WriteString(strconv.Itoa(n))
		sb.WriteString(" AND id = ANY($")
		sb.WriteString(strconv.Itoa(n + 1))
		sb.WriteString("))")
		args = append(args, tenant, byTenant[tenant])
		n += 2
	}

	return sb.String(), args
}
