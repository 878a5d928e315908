// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// Keyword scoring weights.
const (
	scoreExact     = 10
	scoreWord      = 5
	scoreSubstring = 2

	// minKeywordScore is the lowest score that selects a category.
	minKeywordScore = 2

	greetingPrefix = "שלום! "
	contextHeader  = "\n\nתבסס על השיחות הקודמות שלך, אני רואה שאתה מתעניין גם ב:"
)

// Category is one canned answer and the keywords that select it.
type Category struct {
	Name     string   `yaml:"name" mapstructure:"name"`
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`
	Response string   `yaml:"response" mapstructure:"response"`
}

// KeywordGenerator picks a canned answer by keyword score.
//
// # Description
//
// Each keyword contained in the lower-cased message adds 10 if it is the
// whole message, 5 if it is one of its words and 2 otherwise. The highest
// scoring category wins; ties go to the earlier category. Below a score of
// 2 the general reply is used. Token count is the word count of the reply.
//
// # Thread Safety
//
// Safe for concurrent use. The category table is read-only after creation.
type KeywordGenerator struct {
	categories []Category
}

// NewKeywordGenerator creates a generator over categories, or over
// DefaultCategories when none are given.
func NewKeywordGenerator(categories []Category) *KeywordGenerator {
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	normalized := make([]Category, len(categories))
	for i, c := range categories {
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalized[i] = Category{Name: c.Name, Keywords: kws, Response: c.Response}
	}
	return &KeywordGenerator{categories: normalized}
}

// Name implements ResponseGenerator.
func (k *KeywordGenerator) Name() string { return "keyword" }

// Generate implements ResponseGenerator. It never fails.
func (k *KeywordGenerator) Generate(_ context.Context, message string, history []datatypes.Message) (string, int, error) {
	best, ok := k.Match(message)
	if !ok {
		reply := generalReply(message)
		return reply, wordCount(reply), nil
	}

	var b strings.Builder
	b.WriteString(greetingPrefix)
	b.WriteString(best.Response)
	if prior := priorQuestions(history, 2); len(prior) > 0 {
		b.WriteString(contextHeader)
		for _, q := range prior {
			b.WriteString("\n• ")
			b.WriteString(q)
		}
	}
	reply := b.String()
	return reply, wordCount(reply), nil
}

// Match returns the best scoring category for message.
func (k *KeywordGenerator) Match(message string) (Category, bool) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	words := strings.Fields(normalized)

	bestScore := 0
	bestIdx := -1
	for i, c := range k.categories {
		score := 0
		for _, kw := range c.Keywords {
			switch {
			case !strings.Contains(normalized, kw):
			case kw == normalized:
				score += scoreExact
			case slices.Contains(words, kw):
				score += scoreWord
			default:
				score += scoreSubstring
			}
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestScore < minKeywordScore {
		return Category{}, false
	}
	return k.categories[bestIdx], true
}

// priorQuestions returns up to n earlier user messages, oldest first.
func priorQuestions(history []datatypes.Message, n int) []string {
	var out []string
	for _, m := range history {
		if m.Role != datatypes.RoleUser {
			continue
		}
		out = append(out, m.Content)
		if len(out) == n {
			break
		}
	}
	return out
}

func generalReply(message string) string {
	return fmt.Sprintf(`%sתודה על השאלה '%s'.

אני כאן לעזור לך עם שאלות עסקיות, ניהול, פיתוח, שיווק, טכנולוגיה, וכל נושא ארגוני אחר.

אני יכול לעזור עם:
• ניהול צוותים ופרויקטים
• פיתוח עסקי ואסטרטגיה
• טכנולוגיה ואוטומציה
• שיווק ומכירות
• ניהול זמן ולחץ
• מדיניות ותקנות

איזה תחום מעניין אותך? איך אני יכול לעזור לך היום?`, greetingPrefix, message)
}

// DefaultCategories returns the built-in organisational assistant table.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:     "ניהול",
			Keywords: []string{"ניהול", "מנהל", "צוות", "team", "management"},
			Response: "ניהול יעיל דורש: 1) הגדרת יעדים ברורים ומדידים 2) תקשורת פתוחה וברורה 3) הקשבה לצרכים של כל חבר צוות 4) מתן משוב חיובי ובונה 5) טיפול מהיר בבעיות 6) פיתוח כישורים מקצועיים 7) יצירת סביבה תומכת ומעודדת 8) ניהול זמן יעיל 9) קבלת החלטות מבוססות נתונים 10) פיתוח מנהיגות. איזה אספקט של ניהול מעניין אותך?",
		},
		{
			Name:     "פיתוח עסקי",
			Keywords: []string{"פיתוח", "עסק", "business", "development", "גדילה"},
			Response: "פיתוח עסקי כולל: 1) ניתוח שוק ותחרות 2) זיהוי הזדמנויות חדשות 3) פיתוח אסטרטגיות שיווק 4) בניית שותפויות אסטרטגיות 5) פיתוח מוצרים חדשים 6) הרחבת בסיס הלקוחות 7) שיפור תהליכים פנימיים 8) השקעה בטכנולוגיה 9) פיתוח צוותים 10) מדידה והערכה של ביצועים. איזה תחום בפיתוח עסקי מעניין אותך?",
		},
		{
			Name:     "טכנולוגיה",
			Keywords: []string{"טכנולוגיה", "tech", "טכנולוגי", "דיגיטלי", "אוטומציה"},
			Response: "טכנולוגיה עסקית כוללת: 1) אוטומציה של תהליכים 2) ניתוח נתונים מתקדם 3) בינה מלאכותית ולמידת מכונה 4) ענן וחישוב מבוזר 5) אבטחת מידע וסייבר 6) ממשקי משתמש מתקדמים 7) אינטגרציה בין מערכות 8) ניטור וביצועים 9) גמישות וסקלביליות 10) חדשנות מתמדת. איזה תחום טכנולוגי מעניין אותך?",
		},
		{
			Name:     "שיווק",
			Keywords: []string{"שיווק", "marketing", "מכירות", "sales", "לקוחות", "קמפיין", "campaign", "פרסום", "advertising", "digital"},
			Response: "ניהול קמפיין שיווקי כולל: 1) הגדרת מטרות ויעדים מדידים 2) ניתוח קהל יעד מדויק 3) בחירת ערוצי שיווק מתאימים 4) יצירת תוכן איכותי ורלוונטי 5) תקצוב וחלוקת משאבים 6) מעקב וביצועים בזמן אמת 7) אופטימיזציה מתמדת 8) מדידה והערכה של ROI 9) A/B testing ושיפור מתמיד 10) דיווח ותחקיר תוצאות. איזה שלב בקמפיין השיווקי מעניין אותך?",
		},
		{
			Name:     "לחץ",
			Keywords: []string{"לחץ", "stress", "עומס", "burnout"},
			Response: "טיפול בלחץ כולל: 1) זיהוי מקורות הלחץ והבנתם 2) תרגילי נשימה עמוקה ומדיטציה 3) ארגון זמן יעיל וקביעת עדיפויות 4) תמיכה חברתית ומקצועית 5) פעילות גופנית סדירה 6) שינה מספקת ואיכותית 7) תזונה מאוזנת ובריאה 8) הפסקות קבועות במהלך העבודה 9) הגדרת גבולות ברורים 10) חיפוש עזרה מקצועית כשצריך. איך אני יכול לעזור לך להתמודד עם לחץ?",
		},
		{
			Name:     "מדיניות",
			Keywords: []string{"מדיניות", "policy", "הנחיות", "תקנות", "חוקים"},
			Response: "לגבי מדיניות החברה - אני לא יכול לגשת למסמכים ספציפיים, אבל אני יכול לעזור לך להבין איך לבדוק מדיניות: 1) פנה למחלקת HR או המשאב האנושי 2) בדוק בפורטל העובדים או במערכת הפנימית 3) שאל את המנהל הישיר או הממונה 4) בדוק בהודעות החברה או במיילים 5) פנה למחלקת משפטית אם צריך 6) בדוק במדריכי העובד החדש 7) שאל עמיתים מנוסים. איזה סוג מדיניות אתה מחפש?",
		},
	}
}
