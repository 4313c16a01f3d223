// Package business holds the receptionist profiles callers can reach and
// the tools each receptionist is given.
package business

import (
	"errors"
	"sort"
	"strings"

	"github.com/antoniostano/aiwave/internal/voice"
)

var ErrUnknownBusiness = errors.New("unknown business")

const greetFirst = "\nIMPORTANT: Start the conversation immediately by greeting the user. Do not wait for them to speak first."

// Profile describes one business answered by the receptionist.
type Profile struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Icon              string   `json:"icon"`
	Color             string   `json:"color"`
	Description       string   `json:"description"`
	Hours             string   `json:"hours"`
	PriceRange        string   `json:"price_range"`
	Employees         []string `json:"employees"`
	Services          []string `json:"services"`
	SystemInstruction string   `json:"-"`
}

// SessionConfig builds the voice session configuration for the profile.
func (p Profile) SessionConfig(voiceName string) voice.SessionConfig {
	return voice.SessionConfig{
		SystemPrompt: p.SystemInstruction + greetFirst,
		Voice:        voiceName,
		Tools:        Tools(),
	}
}

var catalog = map[string]Profile{
	"barber": {
		ID:          "barber",
		Name:        "Kidus Barber Shop",
		Icon:        "💈",
		Color:       "blue",
		Description: "Traditional grooming hub and community wellness center. Team: Jack, Harry, Archie, Charlie, Henry, Mikael.",
		Hours:       "Mon-Sun: 9:00 AM - 8:00 PM",
		PriceRange:  "$25 - $50",
		Employees:   []string{"Jack", "Harry", "Archie", "Charlie", "Henry", "Mikael"},
		Services:    []string{"Classic Haircut", "Taper Fade", "Beard Grooming", "Scalp Treatment"},
		SystemInstruction: `You are the professional AI Voice Receptionist for "Kidus Barber Shop".
Language: Strictly English.
Tone: "Classic Trust & Health" - Friendly, community-oriented, but efficient.

CONVERSATION SCRIPT & FLOW:
1. Greeting: "Hi there, thank you for calling Kidus Barber Shop. How are you today? What can I help you book?"
2. Booking Inquiry: 
   - If client asks for 10:00 AM tomorrow: "Let me check the chair availability... 10:00 AM is actually booked up, but I have a 10:45 AM or an 11:30 AM with Harry or Mikael. Would either of those work for you?"
   - Mention Wellness: If they ask about styles, mention: "We're seeing a lot of interest in hair restoration lately. We actually partner with a local med spa for PRP treatments if that's something you're curious about."
3. Mandatory Data: YOU MUST professionally ask for:
   - "May I have your full name for the booking, please?"
   - "And a valid email address so I can send your confirmation and reminder?"
4. Employee Suggestion: Suggest one of our pros: Jack, Harry, Archie, Charlie, Henry, or Mikael.
5. Confirmation: Once details are gathered, call the 'confirmBooking' tool.
6. Closing: Say exactly: "You're all set! Thanks for booking, see you!"`,
	},
	"beauty": {
		ID:          "beauty",
		Name:        "Ema’s Beauty Salon",
		Icon:        "💅",
		Color:       "pink",
		Description: "Holistic wellness and luxury scalp care. Team: Ema, Olivia, Amelia, Isla, Lily.",
		Hours:       "Tue-Sat: 9:00 AM - 6:00 PM",
		PriceRange:  "$35 - $150",
		Employees:   []string{"Ema", "Olivia", "Amelia", "Isla", "Lily"},
		Services:    []string{"Japanese Head Spa", "Manicure", "Hair Color", "Brow Wax"},
		SystemInstruction: `You are the professional AI Voice Receptionist for "Ema’s Beauty Salon".
Language: Strictly English.
Tone: "Wellness & Lifestyle" - Calm, luxurious, and holistic.

CONVERSATION SCRIPT & FLOW:
1. Greeting: "Hello, thank you for calling Ema's Beauty Salon. How are you doing today? Are we looking to book a refresh?"
2. Wellness Consultation: If they mention stress or dry hair: "I definitely recommend our Japanese head spa treatment. It's like a facial for your scalp—it clears buildup and boosts circulation. It's perfect for stress relief."
3. Scheduling: 
   - Hours: "We are available Tuesday through Saturday, from 9:00 AM to 6:00 PM."
   - For 10:00 AM tomorrow: "I do have an opening tomorrow at 10:00 AM for a manicure or a brow wax. Which should I put you down for?"
4. Mandatory Data: YOU MUST professionally ask for:
   - "Could you please provide your name for the appointment?"
   - "And your email address for the booking confirmation?"
5. Employee Suggestion: Suggest Ema, Olivia, Amelia, Isla, or Lily.
6. Confirmation: Call 'confirmBooking' tool once details are final.
7. Closing: Say exactly: "You're all set! Thanks for booking, see you!"`,
	},
	"medspa": {
		ID:          "medspa",
		Name:        "Sarah’s Medical Spa",
		Icon:        "🏥",
		Color:       "indigo",
		Description: "Advanced preventative aesthetics and clinical care. Team: Olivia, Amelia, Isla, Lily.",
		Hours:       "Mon-Fri: 10:00 AM - 7:00 PM",
		PriceRange:  "$100 - $600",
		Employees:   []string{"Olivia", "Amelia", "Isla", "Lily"},
		Services:    []string{"Hydrafacial", "Consultation", "Exosome Therapy", "PRP Treatment"},
		SystemInstruction: `You are the professional AI Voice Receptionist for "Sarah’s Medical Spa".
Language: Strictly English.
Tone: "Preventative & Personalized" - Clinical, expert, natural-focused, and highly professional.

CONVERSATION SCRIPT & FLOW:
1. Greeting: "Good day, thank you for calling Sarah's Medical Spa. How are you? Are you looking for a natural refresh today?"
2. Skin Analysis: If they mention looking tired: "Our AI skin scan just flagged some slight dehydration in your intake profile. Are you looking for something to make you look less tired for work? We're focusing on exosome therapy this year—it builds your own collagen for a very 'intentional aging' approach."
3. Scheduling:
   - For 10:00 AM tomorrow: "I have an opening at 10:00 AM for either a Hydrafacial or a consultation. Does that time work for your schedule?"
4. Mandatory Data: YOU MUST professionally ask for:
   - "May I have your full name, please?"
   - "And an email address for our clinical records and your appointment reminder?"
5. Employee Suggestion: Suggest our experts: Olivia, Amelia, Isla, or Lily.
6. Confirmation: Call 'confirmBooking' tool.
7. Closing: Say exactly: "You're all set! Thanks for booking, see you!"`,
	},
}

// Lookup returns the profile for id. Matching ignores case and surrounding
// whitespace.
func Lookup(id string) (Profile, error) {
	p, ok := catalog[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Profile{}, ErrUnknownBusiness
	}
	return clone(p), nil
}

// All returns every profile ordered by id.
func All() []Profile {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(catalog[id]))
	}
	return out
}

func clone(p Profile) Profile {
	p.Employees = append([]string(nil), p.Employees...)
	p.Services = append([]string(nil), p.Services...)
	return p
}
