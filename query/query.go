package query

// OrderProperty selects what a match ordering sorts on.
type OrderProperty string

const (
	OrderByName                 OrderProperty = "NAME"
	OrderByAttributeName        OrderProperty = "ATTRIBUTE_NAME"
	OrderByNameAndAttributeName OrderProperty = "NAME_AND_ATTRIBUTE_NAME"
)

// OrderBy orders matched facts before a limit is applied.
type OrderBy struct {
	Property   OrderProperty `json:"property,omitempty"`
	Descending bool          `json:"descending,omitempty"`
}

// AssetQuery selects attribute state facts. All populated constraint groups
// must hold; within a repeated constraint (ids, names, types, parents,
// paths) any element matching is enough.
type AssetQuery struct {
	IDs        []string           `json:"ids,omitempty"`
	Names      []*StringPredicate `json:"names,omitempty"`
	Types      []*StringPredicate `json:"types,omitempty"`
	Parents    []*ParentPredicate `json:"parents,omitempty"`
	Paths      []*PathPredicate   `json:"paths,omitempty"`
	Tenant     *TenantPredicate   `json:"tenant,omitempty"`
	Location   *ValuePredicate    `json:"location,omitempty"`
	Attributes *LogicGroup        `json:"attributes,omitempty"`
	OrderBy    *OrderBy           `json:"orderBy,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}
