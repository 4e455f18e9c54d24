package domain

// OrderRequest es una orden límite BUY enviada al CLOB.
type OrderRequest struct {
	TokenID     string
	ConditionID string
	Price       float64
	Size        float64 // shares
	Side        string  // siempre "BUY"
	NegRisk     bool
}

// OrderAck es la respuesta del CLOB al aceptar una orden.
type OrderAck struct {
	OrderID   string
	Status    string
	TakenSize float64 // shares llenados inmediatamente (porción taker)
	MadeSize  float64 // shares descansando en el book (porción maker)
}

// OrderState es el estado de una orden según el venue. Es el ground truth
// para las transiciones de Leg; nunca se transiciona de forma optimista.
type OrderState struct {
	OrderID     string
	TokenID     string
	ConditionID string
	Status      LegStatus
	Price       float64
	Size        float64
	FilledSize  float64
}
