package plans

// PriceTable сопоставляет Stripe price ID с планом и обратно.
type PriceTable struct {
	byPrice map[string]Plan
	byPlan  map[Plan]string
}

// NewPriceTable строит таблицу из price ID платных планов. Пустые ID
// пропускаются.
func NewPriceTable(essentialPriceID, professionalPriceID string) *PriceTable {
	t := &PriceTable{
		byPrice: make(map[string]Plan),
		byPlan:  make(map[Plan]string),
	}
	t.add(essentialPriceID, Essential)
	t.add(professionalPriceID, Professional)
	return t
}

func (t *PriceTable) add(priceID string, p Plan) {
	if priceID == "" {
		return
	}
	t.byPrice[priceID] = p
	t.byPlan[p] = priceID
}

// PlanForPrice возвращает план для price ID. Неизвестная цена дает Free.
func (t *PriceTable) PlanForPrice(priceID string) Plan {
	if p, ok := t.byPrice[priceID]; ok {
		return p
	}
	return Free
}

// PriceForPlan возвращает price ID плана, если он настроен.
func (t *PriceTable) PriceForPlan(p Plan) (string, bool) {
	id, ok := t.byPlan[p]
	return id, ok
}

// Prices возвращает все известные price ID.
func (t *PriceTable) Prices() []string {
	out := make([]string, 0, len(t.byPrice))
	for id := range t.byPrice {
		out = append(out, id)
	}
	return out
}
