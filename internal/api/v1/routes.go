package apiv1

import "github.com/gofiber/fiber/v2"

// RegisterHandlers mounts the v1 routes. protect guards every route except
// ping and the plan catalog; rateLimit is applied to the grant trigger only.
// Either handler may be nil.
func RegisterHandlers(router fiber.Router, s *APIServer, protect, rateLimit fiber.Handler) {
	router.Get("/ping", s.GetPing)
	router.Get("/plans", s.ListPlans)

	guarded := []fiber.Handler{}
	if protect != nil {
		guarded = append(guarded, protect)
	}
	with := func(h ...fiber.Handler) []fiber.Handler {
		out := append([]fiber.Handler{}, guarded...)
		return append(out, h...)
	}

	trigger := with()
	if rateLimit != nil {
		trigger = append(trigger, rateLimit)
	}
	trigger = append(trigger, s.TriggerGrants)
	router.Post("/cron/grants", trigger...)
	router.Get("/cron/grants", trigger...)
	router.Get("/cron/grants/stats", with(s.GetGrantStats)...)

	router.Get("/users/:id/credits", with(s.GetUserCredits)...)
	router.Get("/users/:id/credits/verify", with(s.VerifyUserCredits)...)
	router.Post("/users/:id/packs", with(s.PostUserPack)...)
	router.Post("/users/:id/consume", with(s.PostUserConsume)...)
	router.Post("/ledger/entries/:entryID/reverse", with(s.PostEntryReverse)...)
	router.Post("/subscriptions/sync", with(s.PostSubscriptionSync)...)
}
