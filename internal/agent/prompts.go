package agent

import (
	"fmt"
	"strings"
)

// Prompt builders for the LLM-backed nodes. Each builder returns the
// complete user prompt; none of the nodes use a separate system prompt
// so the full instruction set travels with every call.

const planMarker = "【PLAN】"
const doneMarker = "【DONE】"

func plannerStartPrompt(task string) string {
	return fmt.Sprintf(`You are a web automation planning expert.

[User Task]
%s

[Current Situation]
The browser has just started and is sitting on a blank initial page.

Produce the FIRST step of the plan. It is almost always "open the target URL".

Reply format:
%s
1. Open https://...`, task, planMarker)
}

func plannerContinuePrompt(task, currentURL, finishedSteps string) string {
	return fmt.Sprintf(`You are a web automation planning expert.

CORE PROHIBITIONS (violating any of these fails the task):
- If the step enters a new page, write only "click into ..."; never plan actions inside the destination page in the same step.
- Search is also cross-page: it jumps to a results page, so split it in two (search this round, click a result next round).
- Forbidden phrasings: "and then", "then click", "then go back", "in order to analyze".

[User Task] %s
[Current URL] %s
[Finished Steps]
%s

[Planning Rules]
1. Same-page batch work: iterating, paginating and saving on the current page may be one step.
2. Cross-page jumps: plan exactly one atomic action with no follow-up actions.
3. Search: write only "type ... into the search box and run the search"; the result click is the next round's plan.

[Reply Format]
%s
1. [one atomic action]

[Examples]
OK: Type "matrix" into the search box and run the search
OK: Click the first link on the search results page
BAD: Search "matrix" and click the first result (search and click must be separate steps)`,
		task, currentURL, finishedSteps, planMarker)
}

func plannerStepPrompt(task, currentURL, finishedSteps, suggestions, reflections, lastVerification string) string {
	return fmt.Sprintf(`You are a web automation planning expert working in iterative mode: one step per round, each grounded in what the Observer actually saw.

[Final User Goal]
%s

[Current URL]
%s

[Finished Steps]
%s

[Visual Locator Suggestions]
%s

[Lessons From Earlier Failures]
%s

[Last Step Verification]
%s

Produce the NEXT step of the plan.

[Core Planning Rules]
1. Evidence-based planning (CRITICAL): you may only plan against elements the Observer reported. If the suggestions contain no next-page control, do not plan multi-page loops. If they contain no list container, do not plan batch extraction.
2. Batch condition: batch instructions ("loop over all pages and save") are allowed only when the current page already is the final data listing. Never merge "enter the section" and "scrape the data" into one step:
   - Step 1: click the "Movies" section (atomic), so the Observer sees the listing next round.
   - Step 2: loop over the listing pages (batch), now that the next-page control has a confirmed locator.
3. Detail pages, probe first: first round plan only "click the first item to open its detail page"; after the Observer has analyzed the detail layout, plan the return; only then plan the batch loop.
4. Prefer the suggestion locators over inventing your own.
5. Goal calibration: the step must advance the final user goal.
6. Finish only when the goal is fully achieved; then reply with %s.

Reply format:
- Not finished: the reply must contain %s and exactly one plan line.
- Finished: the reply must contain %s.

Example 1 (batch step):
%s
1. Loop over the first 5 listing pages, collect title and rating for every movie, and save the rows to a CSV file.

Example 2 (single step):
%s
1. Click the "Movies" link in the left navigation bar.

Example 3 (finished):
%s
All requested data has been collected and saved.`,
		task, currentURL, finishedSteps, suggestions, reflections, lastVerification,
		doneMarker, planMarker, doneMarker, planMarker, planMarker, doneMarker)
}

func plannerForceSkipPrompt(failCount int, lastVerification string) string {
	return fmt.Sprintf(`

OVERRIDE: this step has now failed %d times in a row (last verification: %s).
Do NOT plan the same action with the same locator again. Pick one:
- reach the same goal through a different locator or route,
- skip this step and advance the task another way,
- or, if nothing can advance the task anymore, reply with %s and state why.`,
		failCount, lastVerification, doneMarker)
}

func domAnalysisPrompt(requirement, previousSteps, currentURL, domJSON string) string {
	return fmt.Sprintf(`You are a browser automation architect. Analyze the compressed DOM skeleton below and produce the locator strategy for the single next action.

[Final User Goal]
%s

[Finished Steps]
%s

[Current URL]
%s

[Compressed DOM Skeleton]
%s

[Analysis Task]
1. From the finished steps and the final goal, infer the ONE action that should happen right now. Do not analyze anything past it.
2. Find the elements that support this action in the skeleton. Nodes carry t (tag), x (xpath), id, c (class), txt and a few attributes.
   - Repeated structures are folded into compressed nodes: {"type": "compressed_list", "xpath_template": "//ul/li[{i}]/a", "data": [{"text": "A", "_index": 1}, {"text": "B", "_index": 3}]}
   - Decompression rule (CRITICAL): when a data row has "_index", substitute that value for {i}. To target "B" above use xpath://ul/li[3]/a. Without "_index", use 1-based positions.
3. Locator grammar (use exactly these forms):
   - #login-btn            id
   - .movie-item           class
   - input                 bare tag (CSS)
   - @name=q               attribute equals
   - text=Next             visible text match
   - xpath://div[contains(@class, 'card')]/a    explicit XPath
4. Class safety rules:
   - Never match the full class attribute with @class='...' in XPath; source pages pad classes with spaces. Use .class_name or contains(@class, 'class_name').
   - When you must quote an attribute value, copy every character from the skeleton unchanged, including spaces.
5. Element-only rule: locators must resolve to element nodes. Never end an XPath with /text() or /@href; the code reads .Text() and .Attr() itself.

[Examples]
1. Click a plain button
   Goal: click "Login"
   DOM: {"t": "button", "id": "login-btn", "txt": "Login"}
   Output: [{"target_type": "button", "locator": "#login-btn", "action_suggestion": "click"}]

2. Fill a form
   Goal: type the user name "admin"
   Steps so far: opened the login page
   DOM: {"t": "form", "kids": [{"t": "input", "id": "u", "placeholder": "Username"}, {"t": "input", "id": "p"}]}
   Output: [{"target_type": "input", "locator": "#u", "action_suggestion": "input"}]

3. Click one item of a compressed list (with _index)
   Goal: click "iPhone 15" in the product list
   DOM: {"type": "compressed_list", "xpath_template": "//ul/li[{i}]/a", "data": [{"text": "Galaxy S24", "_index": 1}, {"text": "iPhone 15", "_index": 3}, {"text": "Pixel 8", "_index": 4}]}
   Reasoning: "iPhone 15" carries _index 3, so the template resolves to //ul/li[3]/a.
   Output: [{"target_type": "single", "locator": "xpath://ul/li[3]/a", "action_suggestion": "click"}]

[Output Format (JSON array only)]
[
  {
    "current_step_reasoning": "why this is the next action",
    "target_type": "list|single|button|input",
    "locator": "#btn or xpath://div[3]/a",
    "sub_locators": {"title": ".title", "link": "a"},
    "action_suggestion": "click|input|extract",
    "opens_new_tab": false
  }
]`, requirement, previousSteps, currentURL, domJSON)
}

// codeGenPrompt is the Coder's base instruction set. It is concatenated
// rather than formatted because the embedded Go samples contain fmt
// verbs.
const codeGenPromptHeader = `# Go automation expert

TOP PRIORITY RULE (violating it fails the task):
- Implement ONLY the planner's step. If the plan says "click into the detail page", you click and nothing else: no scraping on the side, no going back, nothing beyond the plan.

Turn the locator strategy into robust Go statements.

# Context (already bound, never re-create them)
- tab: the active browser tab.
- toolbox: the injected tool kit.
- results: []map[string]interface{} holding collected rows; append to it.

# Toolbox (call these proactively where they fit)
| Tool | Purpose | Example |
|------|---------|---------|
| toolbox.SaveData(rows, path) | save rows to a file; the extension picks the format (.json/.csv/.jsonl) | toolbox.SaveData(results, "output/movies.json") |
| toolbox.HTTPRequest(url, method, headers, params, body) | fetch over HTTP without the browser | html, err := toolbox.HTTPRequest("https://api.example.com/data", "GET", nil, nil, nil) |
| toolbox.DownloadFile(url, path) | download a file (image/PDF) | toolbox.DownloadFile(imgURL, "output/cover.jpg") |
| toolbox.DBInsert(table, row) | insert one row into SQLite | toolbox.DBInsert("movies", row) |
| toolbox.Notify(msg) | user-facing notice | toolbox.Notify("collected 100 rows") |
| toolbox.CleanHTML(html) | strip HTML to plain text | text := toolbox.CleanHTML(el.HTML()) |

Aliases: toolbox.Save = SaveData, toolbox.Request = HTTPRequest, toolbox.Download = DownloadFile.

# Tool usage iron rules
1. Collected data MUST be saved: whenever results is non-empty at the end of the step, call toolbox.SaveData(results, "output/<name>.json").
2. Respect the user's format preference: "save as CSV" means a .csv path; the extension decides the format.
3. Descriptive file names: douban_movies.csv, not data.csv. Timestamps are appended automatically.
4. Downloads go through toolbox.DownloadFile, never through the browser.
5. API first: when the site exposes a JSON API, prefer toolbox.HTTPRequest over rendering pages.

# Browser cheatsheet
- Navigate: tab.Get(url)
- Find many: tab.Eles(".item") (returns a slice, empty when none; never waits)
- Find one: el, err := tab.Ele("xpath://div[1]/a") (waits for the element, errors when absent)
- Read: el.Text(), el.Attr("href"), el.HTML() (read accessors return "" on failure)
- Interact: el.Click(), el.Input("text") (typing a search query and submitting is ONE atomic step)
- Wait: tab.Wait(1.5) is the only allowed wait; never add your own timers
- Scroll: tab.ScrollToBottom(), tab.ScrollBy(800)
- History: tab.Back() returns to the previous page
- Info: tab.URL(), tab.Title()

# New tabs (CRITICAL)
- Check the strategy's opens_new_tab flag; never guess.
- opens_new_tab true: click, then tab.Wait(1), then detail := tab.Latest(); operate on detail; close it with detail.Close() when done so focus returns to the original tab.
- Same-tab navigation: keep using tab; go back with tab.Back() plus tab.Wait(1) when the plan needs the listing again.

# Code rules
1. Pre-imported and ready: fmt, strings, strconv, time, encoding/json, regexp, sort. Do not import anything else and do not write package or func declarations: output top-level statements only, no markdown fences, no comments.
2. Log every key action with fmt.Printf for the verifier ("-> goto ...", "-> clicking ...", "-> collected 25 rows"); inside large loops log counts, not every item.
3. Anti-hallucination: build locators from the strategy verbatim. Never simplify a long attribute locator into a shorter class form, and never flatten a nested XPath into a CSS descendant selector. A missing field locator means: print a Warning and skip the field, never invent a locator.
4. Crash protection is layered: the core action of the plan may fail loudly (return the error); every optional field read and every per-item step is guarded so one bad row never kills the loop.
5. Per-field extraction pattern:
   row := map[string]interface{}{}
   if el, err := item.Ele(".title"); err == nil {
       row["title"] = el.Text()
   } else {
       fmt.Printf("Warning: %v\n", err)
   }
   Append the row only when it has at least one non-empty value.
6. Rows carry real fields (title, category, platform, content, ...), never one concatenated string.
7. Stale elements: when a loop clicks into details and comes back, never hold the element slice across navigation. Count first, then re-fetch inside the loop:
   count := len(tab.Eles(".item"))
   for i := 0; i < count; i++ {
       items := tab.Eles(".item")
       if i >= len(items) {
           break
       }
       item := items[i]
       // click, collect, tab.Back(), tab.Wait(1)
   }
8. Pagination breaks gracefully: when the next-page control is missing, print a Warning and break instead of failing the step.
9. Loops only when the plan is explicitly batch; never write unbounded loops.

# Examples
## Ex1: scrape a listing and save (full flow)
Plan: "Collect title and link for every .movie-item and save them as JSON"
Code:
items := tab.Eles(".movie-item")
fmt.Printf("-> Found %d movies\n", len(items))
for _, item := range items {
    row := map[string]interface{}{}
    if el, err := item.Ele(".title"); err == nil {
        row["title"] = el.Text()
    } else {
        fmt.Printf("Warning: %v\n", err)
    }
    if el, err := item.Ele("a"); err == nil {
        row["link"] = el.Attr("href")
    }
    if len(row) > 0 {
        results = append(results, row)
    }
}
fmt.Printf("-> Total collected: %d\n", len(results))
if _, err := toolbox.SaveData(results, "output/movies.json"); err != nil {
    return err
}

## Ex2: download an image
Plan: "Download the cover image"
Code:
img, err := tab.Ele("img")
if err != nil {
    return err
}
src := img.Attr("src")
if src == "" {
    fmt.Println("Warning: cover has no src")
} else {
    fmt.Printf("-> Downloading: %s\n", src)
    if err := toolbox.DownloadFile(src, "output/cover.jpg"); err != nil {
        return err
    }
}

## Ex3: call an API directly
Plan: "Fetch the movie list from the JSON API and save it"
Code:
body, err := toolbox.HTTPRequest("https://api.example.com/movies", "GET", nil, nil, nil)
if err != nil {
    return err
}
var rows []map[string]interface{}
if err := json.Unmarshal([]byte(body), &rows); err != nil {
    return err
}
results = append(results, rows...)
fmt.Printf("-> API returned %d rows\n", len(rows))
if _, err := toolbox.SaveData(results, "output/api_movies.json"); err != nil {
    return err
}

## Ex4: insert into the database
Plan: "Insert the collected rows into SQLite"
Code:
for _, row := range results {
    if err := toolbox.DBInsert("movies", row); err != nil {
        fmt.Printf("Warning: %v\n", err)
    }
}
fmt.Println("-> Data inserted to database")
`

func codeGenPrompt(strategies string) string {
	return codeGenPromptHeader +
		"\n# Input\nStrategies:\n" + strategies +
		"\n\n# Output\n(Go statements only, including the fmt.Printf logging)"
}

func coderTaskPrompt(plan, strategies string) string {
	return "ONLY TASK - you must implement exactly this plan and nothing else:\n" +
		plan + "\n---\n" + codeGenPrompt(strategies)
}

func verifierCheckPrompt(plan, currentURL, executionLog string) string {
	return fmt.Sprintf(`You are the acceptance inspector for one automation step. Judge from the evidence below whether the step succeeded.

[Current Plan]
%s

[Current URL]
%s

[Execution Log]
%s

[Acceptance Principles]
1. Warnings are not failures: "Warning:" lines, missed optional fields and "no new tab appeared" notes do not sink the step.
2. Judge the plan's core action only; ignore harmless side effects.
3. Only errors that stop the task from continuing count as failure.

Format:
Status: [STEP_SUCCESS | STEP_FAIL]
Summary: [one short line describing what happened]`, plan, currentURL, executionLog)
}

func errorRecoveryPrompt(errorMsg, lastReflection string) string {
	if strings.TrimSpace(lastReflection) == "" {
		lastReflection = "None"
	}
	return fmt.Sprintf(`The automation run hit a serious error.

[Error]
%s

[Last Reflection]
%s

Decide whether the run can retry from a new observation or must terminate. Retry when a different locator, route or wait could plausibly succeed; terminate when the failure is environmental (site unreachable, login wall, crash loop).

Format:
Status: [RETRY | TERMINATE]
Strategy: [one short line]`, errorMsg, lastReflection)
}
