package odata

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Metadata is the parsed subset of a $metadata document.
type Metadata struct {
	EntityTypes  map[string]*EntityType `json:"entity_types"`
	EntitySets   map[string]EntitySet   `json:"entity_sets"`
	Associations map[string]Association `json:"associations"`
}

// EntityType describes one EntityType element.
type EntityType struct {
	Name                 string               `json:"name"`
	Properties           []Property           `json:"properties"`
	NavigationProperties []NavigationProperty `json:"navigation_properties,omitempty"`
	Keys                 []string             `json:"keys"`
}

// Property describes a structural property.
type Property struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Nullable  bool   `json:"nullable"`
	MaxLength *int   `json:"max_length,omitempty"`
	Precision *int   `json:"precision,omitempty"`
	Scale     *int   `json:"scale,omitempty"`
	IsKey     bool   `json:"is_key"`
}

// NavigationProperty describes a navigation to another entity type.
// TargetEntityType is empty when it could not be resolved.
type NavigationProperty struct {
	Name             string `json:"name"`
	Relationship     string `json:"relationship,omitempty"`
	ToRole           string `json:"to_role,omitempty"`
	FromRole         string `json:"from_role,omitempty"`
	TargetEntityType string `json:"target_entity_type,omitempty"`
	Collection       bool   `json:"collection,omitempty"`
}

// EntitySet binds a set name to its entity type.
type EntitySet struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
}

// Association is a V2 association with its ends.
type Association struct {
	Name string           `json:"name"`
	Ends []AssociationEnd `json:"ends"`
}

// AssociationEnd is one End of an association.
type AssociationEnd struct {
	Role         string `json:"role"`
	Type         string `json:"type"`
	Multiplicity string `json:"multiplicity"`
}

// Property returns the named property of t.
func (t *EntityType) Property(name string) (Property, bool) {
	for _, p := range t.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Navigation returns the named navigation property of t.
func (t *EntityType) Navigation(name string) (NavigationProperty, bool) {
	for _, n := range t.NavigationProperties {
		if n.Name == name {
			return n, true
		}
	}
	return NavigationProperty{}, false
}

// EntityTypeOf returns the entity type bound to an entity set.
func (m *Metadata) EntityTypeOf(entitySet string) (*EntityType, bool) {
	set, ok := m.EntitySets[entitySet]
	if !ok {
		return nil, false
	}
	t, ok := m.EntityTypes[set.EntityType]
	return t, ok
}

// element is one scanned XML element.
type element struct {
	attrs map[string]string
	inner string
}

var (
	scannerMu sync.Mutex
	scanners  = map[string]*tagScanner{}

	attrPattern       = regexp.MustCompile(`([A-Za-z_][\w.:-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	collectionPattern = regexp.MustCompile(`^Collection\((.+)\)$`)
	xmlUnescaper      = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")
)

type tagScanner struct {
	open  *regexp.Regexp
	close *regexp.Regexp
}

func scannerFor(tag string) *tagScanner {
	scannerMu.Lock()
	defer scannerMu.Unlock()
	if s, ok := scanners[tag]; ok {
		return s
	}
	s := &tagScanner{
		open:  regexp.MustCompile(`<(?:[A-Za-z_][\w.-]*:)?` + tag + `[\s/>]`),
		close: regexp.MustCompile(`</(?:[A-Za-z_][\w.-]*:)?` + tag + `\s*>`),
	}
	scanners[tag] = s
	return s
}

// scan returns every element named tag in doc, with or without a namespace
// prefix. Elements of the same name are assumed not to nest.
func scan(doc, tag string) []element {
	s := scannerFor(tag)
	var out []element

	pos := 0
	for pos < len(doc) {
		loc := s.open.FindStringIndex(doc[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		end := openTagEnd(doc, pos+loc[1]-1)
		if end < 0 {
			break
		}

		openTag := doc[start : end+1]
		el := element{attrs: parseAttrs(openTag)}
		pos = end + 1

		if !strings.HasSuffix(strings.TrimSpace(openTag[:len(openTag)-1]), "/") {
			if cl := s.close.FindStringIndex(doc[pos:]); cl != nil {
				el.inner = doc[pos : pos+cl[0]]
				pos += cl[1]
			}
		}
		out = append(out, el)
	}
	return out
}

// openTagEnd finds the '>' closing the start tag, skipping quoted values.
func openTagEnd(doc string, from int) int {
	var quote byte
	for i := from; i < len(doc); i++ {
		c := doc[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '>':
			return i
		}
	}
	return -1
}

func parseAttrs(tag string) map[string]string {
	attrs := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		attrs[m[1]] = xmlUnescaper.Replace(v)
	}
	return attrs
}

// stripNamespace turns "NS.Sub.Name" into "Name".
func stripNamespace(qualified string) string {
	if i := strings.LastIndex(qualified, "."); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

func optionalInt(attrs map[string]string, name string) *int {
	v, ok := attrs[name]
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func isMetadataDocument(doc string) bool {
	return strings.Contains(doc, "<edmx:Edmx") || len(scan(doc, "Schema")) > 0
}

// ParseMetadata extracts entity types, entity sets and associations from
// an EDMX document. Entity sets whose type is not declared are dropped.
func ParseMetadata(doc string) (*Metadata, error) {
	if !isMetadataDocument(doc) {
		return nil, fmt.Errorf("%w: no edmx or schema element", ErrInvalidMetadata)
	}

	md := &Metadata{
		EntityTypes:  map[string]*EntityType{},
		EntitySets:   map[string]EntitySet{},
		Associations: map[string]Association{},
	}

	for _, el := range scan(doc, "Association") {
		name := el.attrs["Name"]
		if name == "" {
			continue
		}
		assoc := Association{Name: name}
		for _, end := range scan(el.inner, "End") {
			assoc.Ends = append(assoc.Ends, AssociationEnd{
				Role:         end.attrs["Role"],
				Type:         stripNamespace(end.attrs["Type"]),
				Multiplicity: end.attrs["Multiplicity"],
			})
		}
		md.Associations[name] = assoc
	}

	for _, el := range scan(doc, "EntityType") {
		t := parseEntityType(el)
		if t.Name == "" {
			continue
		}
		md.EntityTypes[t.Name] = t
	}

	for _, t := range md.EntityTypes {
		for i := range t.NavigationProperties {
			nav := &t.NavigationProperties[i]
			if nav.TargetEntityType != "" || nav.Relationship == "" {
				continue
			}
			assoc, ok := md.Associations[nav.Relationship]
			if !ok {
				continue
			}
			for _, end := range assoc.Ends {
				if end.Role == nav.ToRole {
					nav.TargetEntityType = end.Type
					nav.Collection = end.Multiplicity == "*"
					break
				}
			}
		}
	}

	for _, el := range scan(doc, "EntitySet") {
		name := el.attrs["Name"]
		typeName := stripNamespace(el.attrs["EntityType"])
		if name == "" {
			continue
		}
		if _, ok := md.EntityTypes[typeName]; !ok {
			continue
		}
		md.EntitySets[name] = EntitySet{Name: name, EntityType: typeName}
	}

	return md, nil
}

func parseEntityType(el element) *EntityType {
	t := &EntityType{Name: el.attrs["Name"]}

	keys := map[string]bool{}
	for _, k := range scan(el.inner, "Key") {
		for _, ref := range scan(k.inner, "PropertyRef") {
			if name := ref.attrs["Name"]; name != "" {
				t.Keys = append(t.Keys, name)
				keys[name] = true
			}
		}
	}

	for _, p := range scan(el.inner, "Property") {
		name := p.attrs["Name"]
		if name == "" {
			continue
		}
		t.Properties = append(t.Properties, Property{
			Name:      name,
			Type:      p.attrs["Type"],
			Nullable:  !strings.EqualFold(p.attrs["Nullable"], "false"),
			MaxLength: optionalInt(p.attrs, "MaxLength"),
			Precision: optionalInt(p.attrs, "Precision"),
			Scale:     optionalInt(p.attrs, "Scale"),
			IsKey:     keys[name],
		})
	}

	for _, n := range scan(el.inner, "NavigationProperty") {
		nav := NavigationProperty{
			Name:         n.attrs["Name"],
			Relationship: stripNamespace(n.attrs["Relationship"]),
			ToRole:       n.attrs["ToRole"],
			FromRole:     n.attrs["FromRole"],
		}
		if typ := n.attrs["Type"]; typ != "" {
			if m := collectionPattern.FindStringSubmatch(typ); m != nil {
				nav.Collection = true
				typ = m[1]
			}
			nav.TargetEntityType = stripNamespace(typ)
		}
		t.NavigationProperties = append(t.NavigationProperties, nav)
	}

	return t
}

// ParseEntitySets returns the entity set names in document order.
func ParseEntitySets(doc string) ([]string, error) {
	if !isMetadataDocument(doc) {
		return nil, fmt.Errorf("%w: no edmx or schema element", ErrInvalidMetadata)
	}
	var names []string
	for _, el := range scan(doc, "EntitySet") {
		if name := el.attrs["Name"]; name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ParseFunctionImports returns function and action import names in
// document order.
func ParseFunctionImports(doc string) ([]string, error) {
	if !isMetadataDocument(doc) {
		return nil, fmt.Errorf("%w: no edmx or schema element", ErrInvalidMetadata)
	}
	var names []string
	for _, tag := range []string{"FunctionImport", "ActionImport"} {
		for _, el := range scan(doc, tag) {
			if name := el.attrs["Name"]; name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}
