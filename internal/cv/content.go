// Package cv 定义简历的结构化内容，并把简历渲染为可打印的 HTML。
package cv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Content 表示存储在 CV.Content(JSONB) 中的结构化数据。工作经历单独成表，不在此处。
type Content struct {
	Personal  PersonalInfo `json:"personal"`
	Summary   string       `json:"summary"`
	Education []Education  `json:"education"`
	Skills    []Skill      `json:"skills"`
	Languages []Language   `json:"languages"`
	Links     []Link       `json:"links"`
}

// PersonalInfo 是简历抬头。
type PersonalInfo struct {
	FullName string `json:"full_name"`
	Headline string `json:"headline"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Location string `json:"location"`
	PhotoKey string `json:"photo_key,omitempty"`
}

type Education struct {
	School    string `json:"school"`
	Degree    string `json:"degree"`
	Field     string `json:"field"`
	StartYear int    `json:"start_year"`
	EndYear   int    `json:"end_year,omitempty"`
}

// Skill 的 Level 取值 1-5，0 表示不展示等级。
type Skill struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type Language struct {
	Name        string `json:"name"`
	Proficiency string `json:"proficiency"`
}

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// ParseContent 解析 JSONB 内容；空内容返回零值。
func ParseContent(raw datatypes.JSON) (Content, error) {
	var content Content
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return content, nil
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode cv content: %w", err)
	}
	return content, nil
}

// Validate 检查用户提交的内容。
func (c Content) Validate() error {
	for i, s := range c.Skills {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("skills[%d]: name is required", i)
		}
		if s.Level < 0 || s.Level > 5 {
			return fmt.Errorf("skills[%d]: level must be between 0 and 5", i)
		}
	}
	for i, e := range c.Education {
		if strings.TrimSpace(e.School) == "" {
			return fmt.Errorf("education[%d]: school is required", i)
		}
		if e.EndYear != 0 && e.EndYear < e.StartYear {
			return fmt.Errorf("education[%d]: end year before start year", i)
		}
	}
	for i, l := range c.Links {
		if !strings.HasPrefix(l.URL, "https://") && !strings.HasPrefix(l.URL, "http://") {
			return fmt.Errorf("links[%d]: url must be http(s)", i)
		}
	}
	return nil
}

// JSON 序列化为可写入数据库的 JSONB。
func (c Content) JSON() (datatypes.JSON, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode cv content: %w", err)
	}
	return datatypes.JSON(data), nil
}

// DefaultContent 是新用户看到的示例简历。
func DefaultContent() Content {
	return Content{
		Personal: PersonalInfo{
			FullName: "Your Name",
			Headline: "Your job title",
			Email:    "hello@example.com",
		},
		Summary: "A short paragraph about your experience and what you are looking for.",
		Skills: []Skill{
			{Name: "Communication", Level: 4},
			{Name: "Teamwork", Level: 4},
		},
		Languages: []Language{
			{Name: "French", Proficiency: "Native"},
			{Name: "English", Proficiency: "Professional"},
		},
	}
}

// Experience 是渲染用的工作经历。
type Experience struct {
	Title       string
	Company     string
	Location    string
	StartDate   time.Time
	EndDate     *time.Time
	Current     bool
	Description string
}

// Period 以 "Jan 2020 – Present" 形式输出起止时间。
func (e Experience) Period() string {
	start := e.StartDate.Format("Jan 2006")
	switch {
	case e.Current || e.EndDate == nil:
		return start + " - Present"
	default:
		return start + " - " + e.EndDate.Format("Jan 2006")
	}
}

// Document 是渲染一份简历所需的全部数据。
type Document struct {
	Title       string
	Theme       string
	AccentColor string
	Content     Content
	Experiences []Experience
	PhotoURL    string
}
