// Package messages holds the content of every campaign step. Banner
// images are optional and read from BANNER_DAY_* environment
// variables, so art can be swapped without a rebuild.
package messages

import (
	"os"

	"dripbot/internal/sequence"
	"dripbot/internal/transport"
)

func step(banner string, block transport.Block, aff *transport.Affordance) sequence.Provider {
	return sequence.ProviderFunc(func(joinURL string) ([]transport.Block, *transport.Affordance, error) {
		b := block
		b.ImageURL = os.Getenv(banner)
		a := aff
		if a != nil {
			cp := *a
			cp.URL = joinURL
			a = &cp
		}
		return []transport.Block{b}, a, nil
	})
}

// Register binds all step providers.
func Register(reg *sequence.Registry) {
	reg.Register("day_1", step("BANNER_DAY_1", transport.Block{
		Title: "Welcome — here's where to start",
		Body: "Thanks for joining — we're excited to have you. " +
			"Start here: join the community, introduce yourself, and check the pinned guides.",
		Footer: "Want help? Reply to this DM or visit the support channel.",
	}, nil))

	reg.Register("day_2", step("BANNER_DAY_2", transport.Block{
		Title: "Quick reminder — don't miss this",
		Body: "Hey — just checking in. If you haven't yet, grab the free resources and check the most popular threads. " +
			"Lots of wins get posted daily.",
		Footer: "Small actions compound — start today.",
	}, nil))

	reg.Register("day_3", step("BANNER_DAY_3", transport.Block{
		Title: "Success stories — real results",
		Body: "Members are sharing wins every day — from reselling flips to automation wins. " +
			"If you want results, follow the pinned 'How to Win' guide and copy the systems.",
		Footer: "See the wins channel for the latest posts.",
	}, nil))

	reg.Register("day_4", step("BANNER_DAY_4", transport.Block{
		Title: "How we help — inside the group",
		Body: "We provide step-by-step checklists, tools, and weekly live breakdowns. " +
			"If you like actionable systems instead of noise, this will fit.",
		Footer: "Pro tip: join a channel that matches your niche — start small.",
	}, nil))

	reg.Register("day_5", step("BANNER_DAY_5", transport.Block{
		Title: "Got questions? We got answers",
		Body: "Common questions: Do I need money to start? How long until I see results? " +
			"Short answer: you can start with minimal cash, and small, consistent actions build momentum.",
		Footer: "Reply here if you want a quick tip based on your situation.",
	}, nil))

	reg.Register("day_6", step("BANNER_DAY_6", transport.Block{
		Title: "Almost there — don't miss this",
		Body: "We usually keep the cohort small to preserve quality. If you're on the fence, this is a good time to join — " +
			"you'll get immediate access to tools and the private channels.",
		Footer: "Limited spots help keep the community focused and useful.",
	}, nil))

	reg.Register("day_7a", step("BANNER_DAY_7A", transport.Block{
		Title: "RESELLING SECRETS 50% OFF FLASH SALE",
		Body: "We're dropping some memberships for 50% off TODAY ONLY. We only sell a small number of spots — " +
			"if you've been thinking about joining, this is the time.\n\n" +
			"Use code <b>RS50</b> at checkout.",
		Footer: "Limited quantity. First-come, first-served.",
	}, &transport.Affordance{Label: "JOIN THE GROUP NOW"}))
}
